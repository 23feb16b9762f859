package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotConnected is returned by outbound actions with no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrRequestTimeout is returned when no matching reply arrives in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrProtocolAnomaly marks inbound events that cannot be applied.
	ErrProtocolAnomaly = errors.New("protocol anomaly")
	// ErrNoCredential is returned by Connect when the credential is empty or expired.
	ErrNoCredential = errors.New("no credential")
	// ErrClosed settles requests still pending when the client shuts down.
	ErrClosed = errors.New("client closed")
	// ErrNoGame is returned by StartGame when no game id is known yet.
	ErrNoGame = errors.New("no game id")
	// ErrNoActiveTask is returned by task operations when no task is current.
	ErrNoActiveTask = errors.New("no active task")
)

// ServerRejectedError is an explicit error event correlated to a pending request.
type ServerRejectedError struct {
	Event   string
	Message string
}

func (e *ServerRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by server", e.Event)
	}
	return fmt.Sprintf("%s rejected by server: %s", e.Event, e.Message)
}

// Anomaly builds an error marked as ErrProtocolAnomaly.
func Anomaly(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrProtocolAnomaly)
}

// IsAnomaly reports whether err is a protocol anomaly.
func IsAnomaly(err error) bool {
	return errors.Is(err, ErrProtocolAnomaly)
}

// ErrorMessage extracts the message from a game:error payload, falling back
// to the raw JSON text.
func ErrorMessage(payload json.RawMessage) string {
	var se ServerError
	if err := json.Unmarshal(payload, &se); err == nil && se.Text() != "" {
		return se.Text()
	}
	return string(payload)
}
