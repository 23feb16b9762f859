// Package hook lets collaborators (UI layers, bots, the status API) observe
// client events without the dispatch table knowing about them.
package hook

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrInterrupt signals that a hook wants to stop further processing.
var ErrInterrupt = errors.New("hook interrupted")

// HookFn is a hook handler. It returns the (possibly modified) data to pass
// to the next handler, or ErrInterrupt to stop the chain.
type HookFn func(ctx context.Context, event string, data interface{}) (interface{}, error)

type hookEntry struct {
	priority int
	fn       HookFn
	name     string
}

// HookCenter manages event hook registrations.
type HookCenter struct {
	mu    sync.RWMutex
	hooks map[string][]*hookEntry
}

// NewHookCenter creates a new HookCenter.
func NewHookCenter() *HookCenter {
	return &HookCenter{hooks: make(map[string][]*hookEntry)}
}

// Register adds fn for event. Lower priority runs first; equal priorities
// run in registration order. name is used by Unregister.
func (hc *HookCenter) Register(event string, priority int, name string, fn HookFn) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	entries := append(hc.hooks[event], &hookEntry{priority: priority, fn: fn, name: name})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	hc.hooks[event] = entries
}

// Unregister removes all hooks with the given name for the given event.
func (hc *HookCenter) Unregister(event, name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.hooks[event] = without(hc.hooks[event], name)
}

// UnregisterAll removes every hook registered under name.
func (hc *HookCenter) UnregisterAll(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for event, entries := range hc.hooks {
		hc.hooks[event] = without(entries, name)
	}
}

func without(entries []*hookEntry, name string) []*hookEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.name != name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of hooks registered for event.
func (hc *HookCenter) Count(event string) int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.hooks[event])
}

// Trigger runs the hooks for event in priority order, threading data through
// them. A hook returning ErrInterrupt stops the chain and Trigger returns
// ErrInterrupt. Other hook errors do not stop the chain; they are combined
// and returned once every hook has run.
func (hc *HookCenter) Trigger(ctx context.Context, event string, data interface{}) (interface{}, error) {
	hc.mu.RLock()
	entries := append([]*hookEntry(nil), hc.hooks[event]...)
	hc.mu.RUnlock()

	var combined error
	for _, e := range entries {
		out, err := e.fn(ctx, event, data)
		if errors.Is(err, ErrInterrupt) {
			return out, err
		}
		if err != nil {
			combined = errors.CombineErrors(combined, errors.Wrapf(err, "hook %s", e.name))
			continue
		}
		data = out
	}
	return data, combined
}

// ---- client event names ----

const (
	OnConnectionChanged = "on_connection_changed" // data: bool
	OnReconnectFailed   = "on_reconnect_failed"
	OnRoomJoined        = "on_room_joined"     // data: dispatch.RoomUpdate
	OnMembersChanged    = "on_members_changed" // data: dispatch.RoomUpdate
	OnRoomLeft          = "on_room_left"       // data: team id
	OnGameCreated       = "on_game_created" // data: game id
	OnGameStarted       = "on_game_started" // data: store.Session
	OnTaskUpdated       = "on_task_updated" // data: store.Session
	OnMechanismComplete = "on_mechanism_complete"
	OnTaskComplete      = "on_task_complete"
	OnTaskFailed        = "on_task_failed"
	OnUploadStatus      = "on_upload_status" // data: store.UploadStatus
	OnStreamStarted     = "on_stream_started"  // data: stream.Kind
	OnStreamFinished    = "on_stream_finished" // data: stream.Finished
	OnChatMessage       = "on_chat_message"
	OnGameEvent         = "on_game_event"
	OnServerError       = "on_server_error"
)
