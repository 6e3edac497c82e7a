package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koochoy97/leaf-microservice/internal/event"
	"github.com/koochoy97/leaf-microservice/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObservesPipelineEvents(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	bus := event.New()
	m.Subscribe(bus)
	m.Gauge("upload_sessions_active", "Tracked upload sessions", func() float64 { return 3 })

	bus.Dispatch(event.FRAMES_EXTRACTED, event.Stage{SessionID: "abc", Stage: "extract", Duration: 250 * time.Millisecond})
	bus.Dispatch(event.CHUNK_RECEIVED, event.Stage{SessionID: "abc", Stage: "chunk"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.Nil(t, err)

	text := string(body)
	assert.Contains(t, text, `leaf_pipeline_events_total{event="frames:extracted"} 1`)
	assert.Contains(t, text, `leaf_pipeline_events_total{event="chunk:received"} 1`)
	assert.Contains(t, text, `leaf_stage_duration_seconds_count{stage="extract"} 1`)
	assert.NotContains(t, text, `stage="chunk"`, "zero duration stages are not observed")
	assert.Contains(t, text, "leaf_upload_sessions_active 3")
}
