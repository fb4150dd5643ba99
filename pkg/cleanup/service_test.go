package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehound/probehound/pkg/config"
	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/services"
	testdb "github.com/probehound/probehound/test/database"
)

func TestRunOnce_DeletesOnlyAgedFinishedExecutions(t *testing.T) {
	client := testdb.NewTestClient(t)
	locks := services.NewFlowLocks()
	flows := services.NewFlowService(client, locks)
	executions := services.NewExecutionService(client, locks)
	responses := services.NewResponseService(client, locks)
	ctx := context.Background()

	flow, err := flows.CreateFlow(ctx, services.CreateFlowInput{Name: "retention"})
	require.NoError(t, err)

	old, err := executions.Create(ctx, flow.ID, models.ModeFlow, 1)
	require.NoError(t, err)
	require.NoError(t, executions.Finish(ctx, old.ID, models.ExecutionSucceeded, 1, 0, ""))
	// Age the finished execution past the retention window.
	_, err = client.DB().ExecContext(ctx,
		client.DB().Rebind("UPDATE executions SET finished_at = ? WHERE id = ?"),
		time.Now().UTC().AddDate(0, 0, -10), old.ID)
	require.NoError(t, err)

	recent, err := executions.Create(ctx, flow.ID, models.ModeFlow, 1)
	require.NoError(t, err)
	require.NoError(t, executions.Finish(ctx, recent.ID, models.ExecutionSucceeded, 1, 0, ""))

	running, err := executions.Create(ctx, flow.ID, models.ModeFlow, 1)
	require.NoError(t, err)

	svc := NewService(&config.RetentionConfig{
		ReportRetentionDays: 7,
		CleanupInterval:     time.Hour,
	}, executions, responses)
	svc.RunOnce(ctx)

	_, err = executions.Get(ctx, old.ID)
	assert.ErrorIs(t, err, services.ErrNotFound, "aged finished execution is deleted")

	_, err = executions.Get(ctx, recent.ID)
	assert.NoError(t, err, "recent execution survives")

	_, err = executions.Get(ctx, running.ID)
	assert.NoError(t, err, "running execution survives regardless of age")
}
