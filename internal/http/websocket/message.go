package websocket

import (
	"fmt"

	"github.com/google/uuid"
)

type SocketMessageType int

const (
	Update SocketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is the envelope for everything sent over the activity
// socket. Id is echoed back in replies so the client can pair a reply with
// the command which caused it, and Origin/Target address a single client
// by its UUID (a nil Target broadcasts).
type SocketMessage struct {
	Title  string            `json:"title"`
	Body   map[string]any    `json:"arguments"`
	Id     int               `json:"id"`
	Type   SocketMessageType `json:"type"`
	Origin *uuid.UUID        `json:"-"`
	Target *uuid.UUID        `json:"-"`
}

// ValidateArguments checks the message body contains each key in required,
// with a value of the named primitive type ('number' or 'string').
func (message *SocketMessage) ValidateArguments(required map[string]string) error {
	const errFmt = "failed to validate key '%v' with type '%v' - %#v"

	for key, kind := range required {
		v, ok := message.Body[key]
		if !ok {
			return fmt.Errorf("failed to validate key '%v' - key is missing", key)
		}

		switch kind {
		case "number", "int":
			if _, ok := v.(float64); !ok {
				return fmt.Errorf(errFmt, key, kind, v)
			}
		case "string":
			if s, ok := v.(string); !ok || s == "" {
				return fmt.Errorf(errFmt, key, kind, v)
			}
		default:
			return fmt.Errorf(errFmt, key, kind, "unknown type")
		}
	}

	return nil
}

// FormReply returns a new message addressed to the origin of this one,
// carrying the same Id.
func (message *SocketMessage) FormReply(replyTitle string, replyBody map[string]any, replyType SocketMessageType) *SocketMessage {
	if replyBody == nil {
		replyBody = make(map[string]any)
	}
	replyBody["command"] = message.Body

	return &SocketMessage{
		Title:  replyTitle,
		Body:   replyBody,
		Type:   replyType,
		Id:     message.Id,
		Target: message.Origin,
	}
}
