package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/services"
	testdb "github.com/probehound/probehound/test/database"
)

// TestPostgresStore_RoundTrip exercises the PostgreSQL driver path:
// migrations, placeholder rebinding, and cascade deletes. Skipped when
// neither Docker nor CI_DATABASE_URL is available.
func TestPostgresStore_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	client := testdb.NewPostgresTestClient(t)
	locks := services.NewFlowLocks()
	flows := services.NewFlowService(client, locks)
	requests := services.NewRequestService(client, locks)
	ctx := context.Background()

	flow, err := flows.CreateFlow(ctx, services.CreateFlowInput{Name: "pg roundtrip"})
	require.NoError(t, err)

	req, err := requests.Append(ctx, flow.ID, services.RecordRequestInput{
		Method:         "GET",
		URL:            "https://target.example.com/api/items?limit=5",
		CapturedStatus: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, req.Ordinal)

	list, err := requests.ListByFlow(ctx, flow.ID, models.ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)

	require.NoError(t, flows.DeleteFlow(ctx, flow.ID))
	_, err = requests.GetRequest(ctx, req.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)
}
