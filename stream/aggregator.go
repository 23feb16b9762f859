// Package stream assembles token-streamed dialogue (start, chunk..., end)
// into complete messages.
package stream

import (
	"strings"

	"github.com/kasuganosora/guidegame/client/protocol"
	"go.uber.org/zap"
)

// Kind names one of the two dialogue streams.
type Kind string

const (
	KindAssistant Kind = "assistant"
	KindNPC       Kind = "npc"
)

// Finished is a fully assembled stream message.
type Finished struct {
	Kind          Kind   `json:"kind"`
	SessionID     string `json:"session_id"`
	Text          string `json:"text"`
	TaskCompleted bool   `json:"task_completed"`
	Chunks        int    `json:"chunks"`
}

// Listener is notified of stream lifecycle changes. Calls happen on the
// goroutine that drives the Aggregator.
type Listener interface {
	StreamStarted(kind Kind, sessionID string)
	StreamFinished(msg Finished)
}

// Aggregator holds at most one live stream session. It is not safe for
// concurrent use.
type Aggregator struct {
	kind     Kind
	listener Listener
	logger   *zap.Logger

	responding bool
	sessionID  string
	chunks     []string
}

// New creates an idle Aggregator. listener may be nil.
func New(kind Kind, listener Listener, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		kind:     kind,
		listener: listener,
		logger:   logger.With(zap.String("stream", string(kind))),
	}
}

// Kind returns the stream kind.
func (a *Aggregator) Kind() Kind { return a.kind }

// Responding reports whether a session is live.
func (a *Aggregator) Responding() bool { return a.responding }

// SessionID returns the live session id, or "" when idle.
func (a *Aggregator) SessionID() string { return a.sessionID }

// Text returns the text accumulated so far in the live session.
func (a *Aggregator) Text() string { return strings.Join(a.chunks, "") }

// Start begins a new session, discarding any live one.
func (a *Aggregator) Start(sessionID string) {
	if a.responding {
		a.logger.Warn("stream restarted, discarding partial message",
			zap.String("old_session", a.sessionID),
			zap.String("new_session", sessionID),
			zap.Int("chunks", len(a.chunks)))
	}
	a.responding = true
	a.sessionID = sessionID
	a.chunks = a.chunks[:0]
	if a.listener != nil {
		a.listener.StreamStarted(a.kind, sessionID)
	}
}

// Chunk appends text to the live session. Chunks while idle, or for a
// different session, are rejected as protocol anomalies.
func (a *Aggregator) Chunk(sessionID, text string) error {
	if !a.responding {
		return protocol.Anomaly("%s chunk with no live stream", a.kind)
	}
	if sessionID != "" && a.sessionID != "" && sessionID != a.sessionID {
		return protocol.Anomaly("%s chunk for session %q, live session is %q", a.kind, sessionID, a.sessionID)
	}
	a.chunks = append(a.chunks, text)
	return nil
}

// End closes the live session and returns the assembled message. An end with
// no live session is ignored and reported as an anomaly.
func (a *Aggregator) End(sessionID string, taskCompleted bool) (Finished, error) {
	if !a.responding {
		return Finished{}, protocol.Anomaly("%s end with no live stream", a.kind)
	}
	if sessionID != "" && a.sessionID != "" && sessionID != a.sessionID {
		return Finished{}, protocol.Anomaly("%s end for session %q, live session is %q", a.kind, sessionID, a.sessionID)
	}
	msg := Finished{
		Kind:          a.kind,
		SessionID:     a.sessionID,
		Text:          a.Text(),
		TaskCompleted: taskCompleted,
		Chunks:        len(a.chunks),
	}
	a.clear()
	if a.listener != nil {
		a.listener.StreamFinished(msg)
	}
	return msg, nil
}

// Reset forces the aggregator idle, dropping any partial text. It reports
// whether a live session was discarded.
func (a *Aggregator) Reset() bool {
	if !a.responding {
		return false
	}
	a.logger.Debug("stream reset", zap.String("session", a.sessionID), zap.Int("chunks", len(a.chunks)))
	a.clear()
	return true
}

func (a *Aggregator) clear() {
	a.responding = false
	a.sessionID = ""
	a.chunks = nil
}
