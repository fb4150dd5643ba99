package recorder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/recorder"
	"github.com/probehound/probehound/pkg/services"
	testdb "github.com/probehound/probehound/test/database"
)

func setup(t *testing.T) (*recorder.Recorder, *services.FlowService, *models.Flow) {
	t.Helper()
	client := testdb.NewTestClient(t)
	locks := services.NewFlowLocks()
	flows := services.NewFlowService(client, locks)
	requests := services.NewRequestService(client, locks)

	flow, err := flows.CreateFlow(context.Background(), services.CreateFlowInput{Name: "rec"})
	require.NoError(t, err)

	return recorder.New(flows, requests), flows, flow
}

func exchange(url string) services.RecordRequestInput {
	return services.RecordRequestInput{
		Method:         "GET",
		URL:            url,
		CapturedStatus: 200,
	}
}

func TestRecorder_SessionLifecycle(t *testing.T) {
	rec, _, flow := setup(t)
	ctx := context.Background()

	assert.False(t, rec.Status().Recording)

	session, err := rec.Start(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.ID, session.FlowID)
	assert.True(t, rec.Status().Recording)

	_, err = rec.Record(ctx, exchange("https://t.example.com/a"))
	require.NoError(t, err)
	_, err = rec.Record(ctx, exchange("https://t.example.com/b"))
	require.NoError(t, err)

	summary, err := rec.Stop()
	require.NoError(t, err)
	assert.Equal(t, session.ID, summary.SessionID)
	assert.Equal(t, 2, summary.RequestsRecorded)
	assert.False(t, rec.Status().Recording)

	// The session object is discarded; stopping again fails.
	_, err = rec.Stop()
	assert.ErrorIs(t, err, recorder.ErrNoActiveSession)
}

func TestRecorder_SingleSlot(t *testing.T) {
	rec, _, flow := setup(t)
	ctx := context.Background()

	_, err := rec.Start(ctx, flow.ID)
	require.NoError(t, err)

	_, err = rec.Start(ctx, flow.ID)
	assert.ErrorIs(t, err, recorder.ErrSessionActive)

	_, err = rec.Stop()
	require.NoError(t, err)

	_, err = rec.Start(ctx, flow.ID)
	assert.NoError(t, err, "slot frees after stop")
}

func TestRecorder_RecordOutsideSessionIsRejected(t *testing.T) {
	rec, _, _ := setup(t)

	_, err := rec.Record(context.Background(), exchange("https://t.example.com/a"))
	assert.ErrorIs(t, err, recorder.ErrNoActiveSession)
}

func TestRecorder_StartUsesSelectedFlow(t *testing.T) {
	rec, _, flow := setup(t)
	ctx := context.Background()

	_, err := rec.Start(ctx, "")
	assert.ErrorIs(t, err, recorder.ErrNoFlowSelected)

	require.NoError(t, rec.SelectFlow(ctx, flow.ID))
	session, err := rec.Start(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, flow.ID, session.FlowID)
}

func TestRecorder_SelectUnknownFlowFails(t *testing.T) {
	rec, _, _ := setup(t)
	err := rec.SelectFlow(context.Background(), "missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRecorder_ImportValidatesWholeBatch(t *testing.T) {
	rec, _, flow := setup(t)
	ctx := context.Background()

	_, err := rec.Import(ctx, flow.ID, []services.RecordRequestInput{
		exchange("https://t.example.com/ok"),
		{Method: "GET", URL: "://broken", CapturedStatus: 200},
	})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))

	recorded, err := rec.Import(ctx, flow.ID, []services.RecordRequestInput{
		exchange("https://t.example.com/1"),
		exchange("https://t.example.com/2"),
	})
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, 1, recorded[0].Ordinal)
	assert.Equal(t, 2, recorded[1].Ordinal)
}
