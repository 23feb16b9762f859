// Package sink is the client's outlet for user-facing effects: toasts,
// modal dialogs, vibration and page navigation. The platform layer
// implements Sink; this package ships headless implementations.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kasuganosora/guidegame/client/cache"
	"go.uber.org/zap"
)

// Kind classifies a notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindInfo    Kind = "info"
	KindError   Kind = "error"
	KindLoading Kind = "loading"
	KindModal   Kind = "modal"
)

// RoutePlay is the page shown once the game starts.
const RoutePlay = "/pages/game/play"

// Sink receives user-facing effects. Implementations must not block for
// long; calls arrive on the client's event loop.
type Sink interface {
	Notify(kind Kind, message string)
	// Confirm shows a modal and reports whether the user accepted it.
	Confirm(title, message string) bool
	HapticAlert()
	Navigate(route string)
}

// LogSink writes every effect to a zap logger and accepts every modal.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("sink")}
}

func (s *LogSink) Notify(kind Kind, message string) {
	if kind == KindError {
		s.logger.Warn(message, zap.String("kind", string(kind)))
		return
	}
	s.logger.Info(message, zap.String("kind", string(kind)))
}

func (s *LogSink) Confirm(title, message string) bool {
	s.logger.Info(title, zap.String("kind", string(KindModal)), zap.String("message", message))
	return true
}

func (s *LogSink) HapticAlert() { s.logger.Debug("haptic alert") }

func (s *LogSink) Navigate(route string) { s.logger.Info("navigate", zap.String("route", route)) }

// Effect is the JSON document PubSubSink publishes.
type Effect struct {
	Type    string    `json:"type"` // notify | confirm | haptic | navigate
	Kind    Kind      `json:"kind,omitempty"`
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message,omitempty"`
	Route   string    `json:"route,omitempty"`
	At      time.Time `json:"at"`
}

// PubSubSink mirrors effects onto a pub/sub channel so a separate UI process
// can render them. Modals are published and treated as accepted.
type PubSubSink struct {
	ps      cache.PubSub
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

func NewPubSubSink(ps cache.PubSub, channel string, logger *zap.Logger) *PubSubSink {
	return &PubSubSink{ps: ps, channel: channel, timeout: 2 * time.Second, logger: logger}
}

func (s *PubSubSink) publish(e Effect) {
	e.At = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.ps.Publish(ctx, s.channel, string(data)); err != nil {
		s.logger.Warn("publish effect failed", zap.String("channel", s.channel), zap.Error(err))
	}
}

func (s *PubSubSink) Notify(kind Kind, message string) {
	s.publish(Effect{Type: "notify", Kind: kind, Message: message})
}

func (s *PubSubSink) Confirm(title, message string) bool {
	s.publish(Effect{Type: "confirm", Kind: KindModal, Title: title, Message: message})
	return true
}

func (s *PubSubSink) HapticAlert() { s.publish(Effect{Type: "haptic"}) }

func (s *PubSubSink) Navigate(route string) { s.publish(Effect{Type: "navigate", Route: route}) }

// Multi fans every effect out to several sinks. Confirm is accepted only if
// every sink accepts it.
type Multi []Sink

func (m Multi) Notify(kind Kind, message string) {
	for _, s := range m {
		s.Notify(kind, message)
	}
}

func (m Multi) Confirm(title, message string) bool {
	ok := true
	for _, s := range m {
		if !s.Confirm(title, message) {
			ok = false
		}
	}
	return ok
}

func (m Multi) HapticAlert() {
	for _, s := range m {
		s.HapticAlert()
	}
}

func (m Multi) Navigate(route string) {
	for _, s := range m {
		s.Navigate(route)
	}
}
