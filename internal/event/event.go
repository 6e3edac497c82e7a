// A collection of event names and common methods used to handle the events, typically
// redirecting the handling to a service method or other method via the `Handler` interface.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

var log = logger.Get("Events")

// Events emitted by the stages of the ingest pipeline. Each event carries a
// Stage payload describing which session it concerns and how long the stage took.
type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	// Stage is the payload for every pipeline event. Detail is a short
	// human readable summary (e.g. "12 frames"), and Err is populated only
	// for failure events.
	Stage struct {
		SessionID string
		Stage     string
		Duration  time.Duration
		Detail    string
		Err       error
	}

	eventHandler struct {
		mu           sync.RWMutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	CHUNK_RECEIVED   Event = "chunk:received"
	UPLOAD_ASSEMBLED Event = "upload:assembled"
	FRAMES_EXTRACTED Event = "frames:extracted"
	ASSET_FETCHED    Event = "asset:fetched"
	INGEST_FAILED    Event = "ingest:failed"
	SESSION_PURGED   Event = "session:purged"
	SESSION_EXPIRED  Event = "session:expired"
)

// All lists every event understood by the bus, in a stable order.
var All = []Event{CHUNK_RECEIVED, UPLOAD_ASSEMBLED, FRAMES_EXTRACTED, ASSET_FETCHED, INGEST_FAILED, SESSION_PURGED, SESSION_EXPIRED}

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event messages on
// the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the handler channel,
// then the thread dispatching the event will also be BLOCKED. It is recomended to buffer the handler channels
// appropiately to avoid dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be
// called with the payload for the event whenever it is dispatched. The handle
// provided should return quickly, else other threads calling Dispatch on this
// event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which will be stored and
// called inside of a goroutine when the event is handled.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and sends the payload to every
// handler registered for the event.
// Note that this method WILL block if a synchronous handler function is blocking, or if channel
// handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.ERROR, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	handler.mu.RLock()
	fns := append([]handlerMethod(nil), handler.fnHandlers[event]...)
	chans := append([]HandlerChannel(nil), handler.chanHandlers[event]...)
	handler.mu.RUnlock()

	for _, handle := range fns {
		if handle.async {
			go handle.handle(event, payload)
		} else {
			handle.handle(event, payload)
		}
	}

	msg := HandlerEvent{event, payload}
	for _, handle := range chans {
		handle <- msg
	}
}

// validatePayload ensures that the payload provided is valid for the event specified. An error
// will be returned if the payload is not valid, and the event should not be sent to the registered
// handlers in this case.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case CHUNK_RECEIVED, UPLOAD_ASSEMBLED, FRAMES_EXTRACTED, ASSET_FETCHED, INGEST_FAILED, SESSION_PURGED, SESSION_EXPIRED:
		if _, ok := payload.(Stage); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected event.Stage payload", payloadTypeName, event)
		}

		return nil
	}

	return errors.New("event type not recognized for validation")
}
