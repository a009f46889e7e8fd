package push

import (
	"fmt"
	"time"

	"github.com/chronica/sensing-gateway/internal/model"
)

// ErrorKind is the normalized outcome of one transport call.
type ErrorKind int

const (
	KindUnregistered ErrorKind = iota + 1
	KindThirdPartyAuth
	KindQuotaExceeded
	KindSenderIDMismatch
	KindTransient
	KindConnectionFailed
	KindConnectionAborted
	KindUnexpectedResponse
	KindUnknown
)

// SendError carries the classified kind plus the canonical archive
// status string for persistence.
type SendError struct {
	Kind  ErrorKind
	cause error
}

func (e *SendError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("push send failed (%s): %v", e.Status(), e.cause)
	}
	return fmt.Sprintf("push send failed (%s)", e.Status())
}

func (e *SendError) Unwrap() error { return e.cause }

// Status maps the kind onto the canonical archive status set.
func (e *SendError) Status() string {
	switch e.Kind {
	case KindConnectionFailed:
		return model.StatusConnectionFailed
	case KindConnectionAborted:
		return model.StatusConnectionAborted
	case KindUnexpectedResponse:
		return model.StatusUnexpectedResponse
	case KindThirdPartyAuth:
		return model.StatusAccountNotFound
	default:
		return model.StatusUnknownError
	}
}

// Classified reports whether the kind is in the closed set the engines
// know how to record. Anything else re-raises to the task runner.
func (e *SendError) Classified() bool {
	switch e.Kind {
	case KindUnregistered, KindThirdPartyAuth, KindQuotaExceeded,
		KindSenderIDMismatch, KindTransient, KindConnectionFailed,
		KindConnectionAborted, KindUnexpectedResponse:
		return true
	default:
		return false
	}
}

// MessageType discriminates notification payloads on the device side.
const (
	TypeSurvey    = "survey"
	TypeMessage   = "message"
	TypeHeartbeat = "heartbeat"
)

// Payload is the logical notification content. The transport injects a
// nonce and serializes it to the wire shape.
type Payload struct {
	Type            string
	SentTime        time.Time
	SurveyObjectIDs []string
	// SurveyUUIDsDict maps survey object id to the scheduled-event uuids
	// bundled for it, so the device can acknowledge receipt.
	SurveyUUIDsDict map[string][]string
	// Message is the visible body for data-only heartbeats.
	Message string
	// Notification, when set, renders a visible banner.
	Notification *Notification
}

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
