package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koochoy97/leaf-microservice/internal/event"
	"github.com/koochoy97/leaf-microservice/internal/http/websocket"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.WARNING.Level())
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []*websocket.SocketMessage
}

func (b *recordingBroadcaster) Send(msg *websocket.SocketMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *recordingBroadcaster) snapshot() []*websocket.SocketMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*websocket.SocketMessage(nil), b.messages...)
}

func startActivity(t *testing.T) (*recordingBroadcaster, event.EventCoordinator) {
	bus := event.New()
	rec := &recordingBroadcaster{}
	service := newActivityService(rec, bus)
	service.debounce = 50 * time.Millisecond
	service.maxWait = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Nil(t, service.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Channel registration happens inside Run
	time.Sleep(20 * time.Millisecond)
	return rec, bus
}

func TestActivity_RelaysPipelineEvents(t *testing.T) {
	rec, bus := startActivity(t)
	bus.Dispatch(event.FRAMES_EXTRACTED, event.Stage{SessionID: "abc", Stage: "extract", Duration: 1500 * time.Millisecond, Detail: "3 frames"})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	msg := rec.snapshot()[0]
	assert.Equal(t, PIPELINE_EVENT_TITLE, msg.Title)
	assert.Equal(t, websocket.Update, msg.Type)
	assert.Nil(t, msg.Target)
	assert.Equal(t, "frames:extracted", msg.Body["event"])
	assert.Equal(t, "abc", msg.Body["session_id"])
	assert.Equal(t, int64(1500), msg.Body["duration_ms"])
	assert.NotContains(t, msg.Body, "error")
}

func TestActivity_IncludesFailureError(t *testing.T) {
	rec, bus := startActivity(t)
	bus.Dispatch(event.INGEST_FAILED, event.Stage{SessionID: "abc", Stage: "extract", Err: errors.New("probe failed")})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "probe failed", rec.snapshot()[0].Body["error"])
}

func TestActivity_CoalescesChunkEvents(t *testing.T) {
	rec, bus := startActivity(t)
	for i := 1; i <= 5; i++ {
		bus.Dispatch(event.CHUNK_RECEIVED, event.Stage{SessionID: "abc", Stage: "chunk", Detail: fmt.Sprintf("%d/5", i)})
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	messages := rec.snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, "5/5", messages[0].Body["detail"])
}

func TestActivity_TerminalEventCancelsPendingChunk(t *testing.T) {
	rec, bus := startActivity(t)
	bus.Dispatch(event.CHUNK_RECEIVED, event.Stage{SessionID: "abc", Stage: "chunk", Detail: "1/2"})
	bus.Dispatch(event.UPLOAD_ASSEMBLED, event.Stage{SessionID: "abc", Stage: "assemble"})

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	messages := rec.snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, "upload:assembled", messages[0].Body["event"])
}
