package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/voice-reply-service/internal/metrics"
	"github.com/book-expert/voice-reply-service/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFinished_CountsOutcomesAndStages(t *testing.T) {
	t.Parallel()

	m := metrics.New()

	m.RunFinished(pipeline.Report{Outcome: pipeline.OutcomeCompleted, Elapsed: time.Second})
	m.RunFinished(pipeline.Report{
		Outcome:  pipeline.OutcomeFailed,
		Degraded: true,
		Err:      &pipeline.RunError{Stage: pipeline.StageSynthesis},
	})
	m.RunFinished(pipeline.Report{Outcome: pipeline.OutcomeSkipped, Resumed: true, Degraded: true})
	m.StageFinished(pipeline.StageTranscription, 200*time.Millisecond)

	assert.Equal(t, 3, testutil.CollectAndCount(m.Registry(), "voice_reply_pipeline_runs_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Registry(), "voice_reply_pipeline_errors_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Registry(), "voice_reply_pipeline_stage_seconds"))

	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP voice_reply_pipeline_degraded_replies_total Runs that stored the fallback reply.
# TYPE voice_reply_pipeline_degraded_replies_total counter
voice_reply_pipeline_degraded_replies_total 1
# HELP voice_reply_pipeline_resumed_runs_total Runs that found an existing assistant message.
# TYPE voice_reply_pipeline_resumed_runs_total counter
voice_reply_pipeline_resumed_runs_total 1
`), "voice_reply_pipeline_degraded_replies_total", "voice_reply_pipeline_resumed_runs_total"))
}

func TestIngressAndReaperCounters(t *testing.T) {
	t.Parallel()

	m := metrics.New()

	m.UploadHandled("accepted")
	m.UploadHandled("accepted")
	m.UploadHandled("quota_exceeded")
	m.ScheduleFailed()
	m.Reaped(3)
	m.Redriven(2)

	assert.Equal(t, 2, testutil.CollectAndCount(m.Registry(), "voice_reply_uploads_total"))

	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP voice_reply_reaped_messages_total Assistant messages failed by the stale-run reaper.
# TYPE voice_reply_reaped_messages_total counter
voice_reply_reaped_messages_total 3
# HELP voice_reply_redriven_messages_total User messages re-scheduled after their first hand-off failed.
# TYPE voice_reply_redriven_messages_total counter
voice_reply_redriven_messages_total 2
# HELP voice_reply_schedule_errors_total Accepted uploads whose pipeline run could not be scheduled.
# TYPE voice_reply_schedule_errors_total counter
voice_reply_schedule_errors_total 1
`), "voice_reply_reaped_messages_total", "voice_reply_redriven_messages_total",
		"voice_reply_schedule_errors_total"))
}

func TestHandler_ServesExposition(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.UploadHandled("accepted")

	server := httptest.NewServer(m.Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `voice_reply_uploads_total{result="accepted"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
