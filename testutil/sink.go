package testutil

import (
	"sync"

	"github.com/kasuganosora/guidegame/client/sink"
)

// Notice is one recorded sink.Notify call.
type Notice struct {
	Kind    sink.Kind
	Message string
}

// SinkRecorder records every effect for assertions. It is safe for
// concurrent use.
type SinkRecorder struct {
	mu       sync.Mutex
	notices  []Notice
	confirms []string
	haptics  int
	routes   []string
	// Answer is returned from Confirm.
	Answer bool
}

func NewSinkRecorder() *SinkRecorder { return &SinkRecorder{Answer: true} }

func (r *SinkRecorder) Notify(kind sink.Kind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Kind: kind, Message: message})
}

func (r *SinkRecorder) Confirm(title, _ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirms = append(r.confirms, title)
	return r.Answer
}

func (r *SinkRecorder) HapticAlert() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haptics++
}

func (r *SinkRecorder) Navigate(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

func (r *SinkRecorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Count returns how many notices of kind were recorded.
func (r *SinkRecorder) Count(kind sink.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, nt := range r.notices {
		if nt.Kind == kind {
			n++
		}
	}
	return n
}

func (r *SinkRecorder) Confirms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.confirms...)
}

func (r *SinkRecorder) Haptics() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haptics
}

func (r *SinkRecorder) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.routes...)
}
