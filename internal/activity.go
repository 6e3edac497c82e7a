package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/koochoy97/leaf-microservice/internal/event"
	"github.com/koochoy97/leaf-microservice/internal/http/websocket"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

const (
	// Chunk events for a session arrive as fast as the client can upload,
	// so they are coalesced and only the latest is broadcast.
	CHUNK_DEBOUNCE_DURATION  time.Duration = time.Millisecond * 500
	CHUNK_MAX_TIMER_DURATION time.Duration = time.Second * 2

	PIPELINE_EVENT_TITLE = "PIPELINE_EVENT"
)

type (
	broadcaster interface {
		Send(*websocket.SocketMessage)
	}

	// activityService relays pipeline events from the event bus to every
	// client connected to the activity socket.
	activityService struct {
		*sync.Mutex
		broadcaster
		eventBus       event.EventHandler
		debounce       time.Duration
		maxWait        time.Duration
		pending        map[string]event.Stage
		debounceTimers map[string]*time.Timer
		maxTimers      map[string]*time.Timer
	}
)

func newActivityService(broadcaster broadcaster, eventBus event.EventHandler) *activityService {
	return &activityService{
		Mutex:          &sync.Mutex{},
		broadcaster:    broadcaster,
		eventBus:       eventBus,
		debounce:       CHUNK_DEBOUNCE_DURATION,
		maxWait:        CHUNK_MAX_TIMER_DURATION,
		pending:        make(map[string]event.Stage),
		debounceTimers: make(map[string]*time.Timer),
		maxTimers:      make(map[string]*time.Timer),
	}
}

func (service *activityService) Run(ctx context.Context) error {
	messageChan := make(chan event.HandlerEvent, 100)
	service.eventBus.RegisterHandlerChannel(messageChan, event.All...)

	log.Emit(logger.NEW, "Activity service started\n")
	defer service.stopTimers()
	for {
		select {
		case ev := <-messageChan:
			if err := service.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev.Event, err)
			}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *activityService) handleEvent(ev event.HandlerEvent) error {
	stage, ok := ev.Payload.(event.Stage)
	if !ok {
		return errors.New("illegal payload (expected event.Stage)")
	}

	if ev.Event == event.CHUNK_RECEIVED {
		service.scheduleChunkBroadcast(stage)
		return nil
	}

	// A terminal event supersedes any chunk progress still waiting
	// to be sent for the session.
	service.cancelPending(stage.SessionID)
	service.Send(stageMessage(ev.Event, stage))
	return nil
}

func (service *activityService) scheduleChunkBroadcast(stage event.Stage) {
	service.Lock()
	defer service.Unlock()

	key := stage.SessionID
	service.pending[key] = stage
	broadcaster := func() { service.flush(key) }

	if t, ok := service.debounceTimers[key]; ok {
		t.Stop()
	}
	service.debounceTimers[key] = time.AfterFunc(service.debounce, broadcaster)

	if _, ok := service.maxTimers[key]; !ok {
		service.maxTimers[key] = time.AfterFunc(service.maxWait, broadcaster)
	}
}

func (service *activityService) flush(key string) {
	service.Lock()
	stage, ok := service.pending[key]
	service.clearLocked(key)
	service.Unlock()

	if ok {
		service.Send(stageMessage(event.CHUNK_RECEIVED, stage))
	}
}

func (service *activityService) cancelPending(key string) {
	service.Lock()
	defer service.Unlock()
	service.clearLocked(key)
}

func (service *activityService) clearLocked(key string) {
	if t, ok := service.debounceTimers[key]; ok {
		t.Stop()
		delete(service.debounceTimers, key)
	}
	if t, ok := service.maxTimers[key]; ok {
		t.Stop()
		delete(service.maxTimers, key)
	}
	delete(service.pending, key)
}

func (service *activityService) stopTimers() {
	service.Lock()
	defer service.Unlock()
	for key := range service.pending {
		service.clearLocked(key)
	}
}

func stageMessage(ev event.Event, stage event.Stage) *websocket.SocketMessage {
	body := map[string]any{
		"event":       string(ev),
		"session_id":  stage.SessionID,
		"stage":       stage.Stage,
		"duration_ms": stage.Duration.Milliseconds(),
		"detail":      stage.Detail,
	}
	if stage.Err != nil {
		body["error"] = stage.Err.Error()
	}

	return &websocket.SocketMessage{Title: PIPELINE_EVENT_TITLE, Body: body, Type: websocket.Update}
}
