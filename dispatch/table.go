package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/correlator"
	"github.com/kasuganosora/guidegame/client/hook"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/kasuganosora/guidegame/client/sink"
	"github.com/kasuganosora/guidegame/client/store"
	"github.com/kasuganosora/guidegame/client/stream"
	"go.uber.org/zap"
)

// Deps are the components the table drives. Hooks and OnConnect may be nil.
type Deps struct {
	Store      *store.Store
	Correlator *correlator.Correlator
	Sink       sink.Sink
	Hooks      *hook.HookCenter
	// OnConnect runs on every transport connect, after the anti-replay
	// counter is reset.
	OnConnect func(ctx context.Context)
	Logger    *zap.Logger
}

// RoomUpdate is the hook payload for room and membership events.
type RoomUpdate struct {
	TeamID string     `json:"team_id"`
	Room   store.Room `json:"room"`
}

// MechanismUpdate is the hook payload for game:mechanism_complete.
type MechanismUpdate struct {
	TaskID    string `json:"task_id"`
	SubTaskID string `json:"sub_task_id"`
	Mechanism string `json:"mechanism"`
}

// Table holds the handler for every inbound event. It owns the assistant
// and npc stream aggregators.
type Table struct {
	router    *Router
	store     *store.Store
	corr      *correlator.Correlator
	sink      sink.Sink
	hooks     *hook.HookCenter
	onConnect func(ctx context.Context)
	logger    *zap.Logger

	assistant *stream.Aggregator
	npc       *stream.Aggregator
	connected bool
}

// NewTable builds the aggregators and registers every handler on r.
func NewTable(r *Router, d Deps) *Table {
	t := &Table{
		router:    r,
		store:     d.Store,
		corr:      d.Correlator,
		sink:      d.Sink,
		hooks:     d.Hooks,
		onConnect: d.OnConnect,
		logger:    d.Logger,
	}
	t.assistant = stream.New(stream.KindAssistant, t, d.Logger)
	t.npc = stream.New(stream.KindNPC, t, d.Logger)

	r.On(protocol.EventConnect, t.handleConnect)
	r.On(protocol.EventDisconnect, t.handleDisconnect)
	r.On(protocol.EventReconnectFailed, t.handleReconnectFailed)

	t.on(protocol.EventConnected, t.handleConnected)
	t.on(protocol.EventRoomJoined, t.handleRoomJoined)
	t.on(protocol.EventRoomLeft, t.handleRoomLeft)
	t.on(protocol.EventMemberJoined, t.memberHandler(true))
	t.on(protocol.EventMemberLeft, t.memberHandler(false))
	t.on(protocol.EventGameCreated, t.handleGameCreated)
	t.on(protocol.EventGameStarted, t.handleGameStarted)
	t.on(protocol.EventNewTask, t.handleNewTask)
	t.on(protocol.EventMechanismComplete, t.handleMechanismComplete)
	t.on(protocol.EventTaskComplete, t.handleTaskComplete)
	t.on(protocol.EventTaskFailed, t.handleTaskFailed)
	t.on(protocol.EventImageVerifyStart, t.handleImageVerifyStart)
	t.on(protocol.EventImageVerifyResult, t.handleImageVerifyResult)
	t.on(protocol.EventImageVerifyError, t.handleImageVerifyError)
	t.on(protocol.EventMessage, t.handleMessage)
	t.on(protocol.EventGame, t.handleGameEvent)

	t.on(protocol.EventAIStreamStart, t.streamStart(t.assistant))
	t.on(protocol.EventAIStreamChunk, t.streamChunk(t.assistant))
	t.on(protocol.EventAIStreamEnd, t.streamEnd(t.assistant))
	t.on(protocol.EventNPCStreamStart, t.streamStart(t.npc))
	t.on(protocol.EventNPCStreamChunk, t.streamChunk(t.npc))
	t.on(protocol.EventNPCStreamEnd, t.streamEnd(t.npc))

	// game:error settles requests itself; see handleError.
	r.On(protocol.EventError, t.handleError)
	return t
}

// on registers fn so that pending requests see the event after fn has
// applied its mutations. An event fn refused rejects them instead.
func (t *Table) on(event string, fn HandlerFunc) {
	t.router.On(event, func(ctx context.Context, payload json.RawMessage) error {
		err := fn(ctx, payload)
		if t.corr == nil {
			return err
		}
		if err != nil {
			t.corr.Reject(event, payload, errors.Mark(err, protocol.ErrProtocolAnomaly))
			return err
		}
		t.corr.Deliver(event, payload)
		return nil
	})
}

// Connected reports the connectivity flag driven by connect/disconnect.
func (t *Table) Connected() bool { return t.connected }

// Assistant returns the assistant dialogue aggregator.
func (t *Table) Assistant() *stream.Aggregator { return t.assistant }

// NPC returns the npc dialogue aggregator.
func (t *Table) NPC() *stream.Aggregator { return t.npc }

func (t *Table) trigger(ctx context.Context, event string, data interface{}) {
	if t.hooks == nil {
		return
	}
	if _, err := t.hooks.Trigger(ctx, event, data); err != nil && !errors.Is(err, hook.ErrInterrupt) {
		t.logger.Warn("hook failed", zap.String("hook", event), zap.Error(err))
	}
}

func decode(event string, payload json.RawMessage, v interface{}) error {
	pkt := protocol.Packet{Type: event, Payload: payload}
	return pkt.Decode(v)
}

// ---- connection ----

func (t *Table) handleConnect(ctx context.Context, _ json.RawMessage) error {
	t.router.ResetSeq()
	t.connected = true
	t.trigger(ctx, hook.OnConnectionChanged, true)
	if t.onConnect != nil {
		t.onConnect(ctx)
	}
	return nil
}

func (t *Table) handleDisconnect(ctx context.Context, _ json.RawMessage) error {
	t.connected = false
	for _, agg := range []*stream.Aggregator{t.assistant, t.npc} {
		if agg.Reset() {
			t.logger.Info("stream interrupted by disconnect", zap.String("stream", string(agg.Kind())))
		}
	}
	t.trigger(ctx, hook.OnConnectionChanged, false)
	return nil
}

func (t *Table) handleReconnectFailed(ctx context.Context, _ json.RawMessage) error {
	t.sink.Notify(sink.KindError, "Unable to reach the game server")
	t.trigger(ctx, hook.OnReconnectFailed, nil)
	return nil
}

func (t *Table) handleConnected(_ context.Context, payload json.RawMessage) error {
	var c protocol.Connected
	if err := decode(protocol.EventConnected, payload, &c); err != nil {
		return err
	}
	t.logger.Info("server session established", zap.String("sid", c.SID))
	return nil
}

// ---- room ----

func (t *Table) handleRoomJoined(ctx context.Context, payload json.RawMessage) error {
	var rj protocol.RoomJoined
	if err := decode(protocol.EventRoomJoined, payload, &rj); err != nil {
		return err
	}
	changed, err := t.store.SetRoomInfo(rj)
	if err != nil || !changed {
		return err
	}
	room, _ := t.store.Room(string(rj.TeamID))
	t.sink.Notify(sink.KindInfo, "Joined the room")
	t.trigger(ctx, hook.OnRoomJoined, RoomUpdate{TeamID: string(rj.TeamID), Room: room})
	return nil
}

func (t *Table) handleRoomLeft(ctx context.Context, payload json.RawMessage) error {
	var rl protocol.RoomLeft
	if err := decode(protocol.EventRoomLeft, payload, &rl); err != nil {
		return err
	}
	team := t.store.Session().TeamID
	if rl.TeamID != "" && string(rl.TeamID) != team {
		return protocol.Anomaly("room_left for team %s, joined team is %q", rl.TeamID, team)
	}
	if !t.store.ResetState() {
		return nil
	}
	t.sink.Notify(sink.KindInfo, "Left the room")
	t.trigger(ctx, hook.OnRoomLeft, team)
	return nil
}

func (t *Table) memberHandler(joined bool) HandlerFunc {
	event := protocol.EventMemberLeft
	if joined {
		event = protocol.EventMemberJoined
	}
	return func(ctx context.Context, payload json.RawMessage) error {
		var me protocol.MemberEvent
		if err := decode(event, payload, &me); err != nil {
			return err
		}
		team := string(me.TeamID)
		changed := false
		if me.AllMembers != nil {
			c, err := t.store.UpdateMembers(team, me.AllMembers)
			if err != nil {
				return err
			}
			changed = changed || c
		}
		if me.MembersCount != nil {
			c, err := t.store.UpdateMemberCount(team, *me.MembersCount)
			if err != nil {
				return err
			}
			changed = changed || c
		}
		if !changed {
			return nil
		}
		name := me.Username
		if name == "" {
			name = "A member"
		}
		if joined {
			t.sink.Notify(sink.KindInfo, name+" joined the team")
		} else {
			t.sink.Notify(sink.KindInfo, name+" left the team")
		}
		if team == "" {
			team = t.store.Session().TeamID
		}
		room, _ := t.store.Room(team)
		t.trigger(ctx, hook.OnMembersChanged, RoomUpdate{TeamID: team, Room: room})
		return nil
	}
}

// ---- game and task ----

func (t *Table) handleGameCreated(ctx context.Context, payload json.RawMessage) error {
	var gc protocol.GameCreated
	if err := decode(protocol.EventGameCreated, payload, &gc); err != nil {
		return err
	}
	if !t.store.SetGameID(string(gc.GameID)) {
		return nil
	}
	t.sink.Notify(sink.KindSuccess, "Script ready")
	t.trigger(ctx, hook.OnGameCreated, string(gc.GameID))
	return nil
}

func (t *Table) handleGameStarted(ctx context.Context, payload json.RawMessage) error {
	var gs protocol.GameStarted
	if err := decode(protocol.EventGameStarted, payload, &gs); err != nil {
		return err
	}
	wasStarted := t.store.Session().IsStarted
	changed, err := t.store.HandleGameStarted(gs)
	if err != nil || !changed {
		return err
	}
	if wasStarted {
		t.trigger(ctx, hook.OnTaskUpdated, t.store.Session())
		return nil
	}
	t.sink.Notify(sink.KindSuccess, "Game started!")
	t.sink.Navigate(sink.RoutePlay)
	t.trigger(ctx, hook.OnGameStarted, t.store.Session())
	return nil
}

func (t *Table) handleNewTask(ctx context.Context, payload json.RawMessage) error {
	var nt protocol.NewTask
	if err := decode(protocol.EventNewTask, payload, &nt); err != nil {
		return err
	}
	var (
		changed bool
		err     error
	)
	switch {
	case nt.PlayerState != nil:
		changed, err = t.store.UpdateGameState(*nt.PlayerState)
	case nt.Task != nil || nt.TaskID != "":
		changed, err = t.store.UpdateTask(string(nt.TaskID), nt.Task)
	default:
		return protocol.Anomaly("new_task without task or player_state")
	}
	if err != nil || !changed {
		return err
	}
	msg := nt.TaskMsg
	if msg == "" {
		msg = "You have received a new task"
	}
	t.sink.HapticAlert()
	t.sink.Confirm("New task", msg)
	t.trigger(ctx, hook.OnTaskUpdated, t.store.Session())
	return nil
}

func (t *Table) handleMechanismComplete(ctx context.Context, payload json.RawMessage) error {
	var mc protocol.MechanismComplete
	if err := decode(protocol.EventMechanismComplete, payload, &mc); err != nil {
		return err
	}
	upd := MechanismUpdate{TaskID: string(mc.TaskID), SubTaskID: string(mc.SubTaskID), Mechanism: mc.CompletedMechanism}
	changed, err := t.store.RecordMechanism(upd.TaskID, upd.SubTaskID, upd.Mechanism)
	if err != nil || !changed {
		return err
	}
	if !protocol.KnownMechanism(upd.Mechanism) {
		t.logger.Debug("uncatalogued mechanism", zap.String("mechanism", upd.Mechanism))
	}
	t.sink.Notify(sink.KindSuccess, "Action succeeded")
	t.trigger(ctx, hook.OnMechanismComplete, upd)
	return nil
}

func (t *Table) handleTaskComplete(ctx context.Context, payload json.RawMessage) error {
	var tc protocol.TaskComplete
	if err := decode(protocol.EventTaskComplete, payload, &tc); err != nil {
		return err
	}
	if tc.SubTaskID != "" {
		changed, err := t.store.CompleteSubTask(string(tc.TaskID), string(tc.SubTaskID))
		if err != nil || !changed {
			return err
		}
	}
	t.sink.Notify(sink.KindSuccess, "Task complete!")
	t.trigger(ctx, hook.OnTaskComplete, tc)
	return nil
}

func (t *Table) handleTaskFailed(ctx context.Context, payload json.RawMessage) error {
	var tf protocol.TaskFailed
	if err := decode(protocol.EventTaskFailed, payload, &tf); err != nil {
		return err
	}
	msg := tf.TaskMsg
	if msg == "" {
		msg = "Please try again"
	}
	t.sink.Confirm("Task failed", msg)
	t.trigger(ctx, hook.OnTaskFailed, tf)
	return nil
}

// ---- photo verification ----

func (t *Table) setUpload(ctx context.Context, st store.UploadStatus) bool {
	if !t.store.SetUploadStatus(st) {
		return false
	}
	t.trigger(ctx, hook.OnUploadStatus, st)
	return true
}

func (t *Table) handleImageVerifyStart(ctx context.Context, _ json.RawMessage) error {
	if t.setUpload(ctx, store.UploadVerifying) {
		t.sink.Notify(sink.KindLoading, "AI is verifying the photo...")
	}
	return nil
}

func (t *Table) handleImageVerifyResult(ctx context.Context, payload json.RawMessage) error {
	var res protocol.ImageVerifyResult
	if err := decode(protocol.EventImageVerifyResult, payload, &res); err != nil {
		return err
	}
	if res.Success {
		if t.setUpload(ctx, store.UploadSuccess) {
			t.sink.Notify(sink.KindSuccess, "Photo verified")
		}
		return nil
	}
	if t.setUpload(ctx, store.UploadFail) {
		t.sink.Confirm("Photo does not match", fmt.Sprintf("Target: %s\nIdentified as: %s",
			orUnknown(res.TargetAttraction), orUnknown(res.IdentifiedAttraction)))
	}
	return nil
}

func (t *Table) handleImageVerifyError(ctx context.Context, payload json.RawMessage) error {
	var res protocol.ImageVerifyResult
	if err := decode(protocol.EventImageVerifyError, payload, &res); err != nil {
		return err
	}
	if t.setUpload(ctx, store.UploadFail) {
		t.logger.Warn("image verification error", zap.String("error", res.Error))
		t.sink.Notify(sink.KindError, "Photo verification failed")
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ---- streams ----

func (t *Table) streamStart(agg *stream.Aggregator) HandlerFunc {
	return func(_ context.Context, payload json.RawMessage) error {
		var ev protocol.StreamEvent
		if err := decode(string(agg.Kind())+" stream_start", payload, &ev); err != nil {
			return err
		}
		agg.Start(ev.SessionID)
		return nil
	}
}

func (t *Table) streamChunk(agg *stream.Aggregator) HandlerFunc {
	return func(_ context.Context, payload json.RawMessage) error {
		var ev protocol.StreamEvent
		if err := decode(string(agg.Kind())+" stream_chunk", payload, &ev); err != nil {
			return err
		}
		return agg.Chunk(ev.SessionID, ev.Chunk)
	}
}

func (t *Table) streamEnd(agg *stream.Aggregator) HandlerFunc {
	return func(_ context.Context, payload json.RawMessage) error {
		var ev protocol.StreamEvent
		if err := decode(string(agg.Kind())+" stream_end", payload, &ev); err != nil {
			return err
		}
		_, err := agg.End(ev.SessionID, ev.TaskCompleted)
		return err
	}
}

// StreamStarted implements stream.Listener.
func (t *Table) StreamStarted(kind stream.Kind, sessionID string) {
	t.trigger(context.Background(), hook.OnStreamStarted, kind)
}

// StreamFinished implements stream.Listener.
func (t *Table) StreamFinished(msg stream.Finished) {
	t.logger.Debug("stream finished",
		zap.String("stream", string(msg.Kind)),
		zap.String("session", msg.SessionID),
		zap.Int("chunks", msg.Chunks))
	t.trigger(context.Background(), hook.OnStreamFinished, msg)
}

// ---- messages ----

func (t *Table) handleMessage(ctx context.Context, payload json.RawMessage) error {
	var m protocol.ChatMessage
	if err := decode(protocol.EventMessage, payload, &m); err != nil {
		return err
	}
	t.logger.Info("chat message", zap.String("user_id", string(m.UserID)), zap.String("message", m.Message))
	from := m.Username
	if from == "" {
		from = string(m.UserID)
	}
	t.sink.Notify(sink.KindInfo, from+": "+m.Message)
	t.trigger(ctx, hook.OnChatMessage, m)
	return nil
}

func (t *Table) handleGameEvent(ctx context.Context, payload json.RawMessage) error {
	var ge protocol.GameEvent
	if err := decode(protocol.EventGame, payload, &ge); err != nil {
		return err
	}
	t.sink.Notify(sink.KindInfo, "Event: "+ge.EventType)
	t.trigger(ctx, hook.OnGameEvent, ge)
	return nil
}

// handleError settles every pending request whose failure rule matches.
// An error nobody was waiting for is shown as a modal.
func (t *Table) handleError(ctx context.Context, payload json.RawMessage) error {
	msg := protocol.ErrorMessage(payload)
	settled := 0
	if t.corr != nil {
		settled = t.corr.Deliver(protocol.EventError, payload)
	}
	t.logger.Warn("server error", zap.String("message", msg), zap.Int("settled", settled))
	if settled > 0 {
		t.sink.Notify(sink.KindError, msg)
	} else {
		t.sink.Confirm("Server rejected", msg)
	}
	t.trigger(ctx, hook.OnServerError, msg)
	return nil
}
