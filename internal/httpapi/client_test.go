package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stageflow/internal/orchestrator"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

func TestClientRoundTrip(t *testing.T) {
	runs := &MockRunService{}
	srv, repo := newTestServer(t, runs)
	seedRun(t, repo, "run-1")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient(ts.URL + "/")
	ctx := context.Background()

	stages := []types.StageConfig{{Type: types.StageScan}}
	runs.On("SubmitRun", mock.Anything, stages, map[string]string(nil)).
		Return(&types.Run{ID: "run-2", Stages: stages, Status: types.RunCreated}, nil).Once()
	run, err := client.SubmitRun(ctx, SubmitRunRequest{Stages: stages})
	require.NoError(t, err)
	assert.Equal(t, types.RunID("run-2"), run.ID)

	got, err := client.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunID("run-1"), got.Run.ID)
	assert.Len(t, got.Jobs, 1)

	runs.On("CancelRun", mock.Anything, types.RunID("run-1"), "operator").Return(nil).Once()
	require.NoError(t, client.CancelRun(ctx, "run-1", "operator"))

	runs.On("CancelRun", mock.Anything, types.RunID("run-1"), orchestrator.CancelledReason).
		Return(orchestrator.ErrRunTerminal).Once()
	err = client.CancelRun(ctx, "run-1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = client.GetRun(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "not found")

	runs.AssertExpectations(t)
}

func TestClientConnectionError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewClient(url).GetRun(context.Background(), "run-1")
	assert.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
