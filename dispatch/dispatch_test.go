package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kasuganosora/guidegame/client/correlator"
	"github.com/kasuganosora/guidegame/client/hook"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/kasuganosora/guidegame/client/sink"
	"github.com/kasuganosora/guidegame/client/store"
	"github.com/kasuganosora/guidegame/client/stream"
	"github.com/kasuganosora/guidegame/client/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	router *Router
	table  *Table
	store  *store.Store
	corr   *correlator.Correlator
	timers *testutil.ManualTimers
	sink   *testutil.SinkRecorder
	hooks  *hook.HookCenter
	joins  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		router: NewRouter(zap.NewNop()),
		store:  store.New(zap.NewNop()),
		timers: testutil.NewManualTimers(),
		sink:   testutil.NewSinkRecorder(),
		hooks:  hook.NewHookCenter(),
	}
	f.corr = correlator.New(f.timers, func() bool { return true }, zap.NewNop())
	f.table = NewTable(f.router, Deps{
		Store:      f.store,
		Correlator: f.corr,
		Sink:       f.sink,
		Hooks:      f.hooks,
		OnConnect:  func(context.Context) { f.joins++ },
		Logger:     zap.NewNop(),
	})
	return f
}

func (f *fixture) send(t *testing.T, seq uint64, event string, payload string) {
	t.Helper()
	pkt := &protocol.Packet{Seq: seq, Type: event}
	if payload != "" {
		pkt.Payload = json.RawMessage(payload)
	}
	f.router.Dispatch(pkt)
}

func TestRoomJoined_DuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.hooks.Register(hook.OnRoomJoined, 0, "test", func(_ context.Context, _ string, data interface{}) (interface{}, error) {
		calls++
		upd := data.(RoomUpdate)
		assert.Equal(t, "T1", upd.TeamID)
		assert.Equal(t, 3, upd.Room.MemberCount)
		return data, nil
	})

	payload := `{"team_id":"T1","members_count":3,"all_members":[{"user_id":1,"username":"a"}]}`
	f.send(t, 0, protocol.EventRoomJoined, payload)
	f.send(t, 0, protocol.EventRoomJoined, payload)

	room, ok := f.store.Room("T1")
	require.True(t, ok)
	assert.Equal(t, 3, room.MemberCount)
	assert.Len(t, room.Members, 1)
	assert.Equal(t, "T1", f.store.Session().TeamID)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, f.sink.Count(sink.KindInfo))
}

func TestRoomJoined_ResolvesPendingJoin(t *testing.T) {
	f := newFixture(t)
	p := f.corr.Request(protocol.EventJoinRoom, correlator.Rule{
		Success: protocol.EventRoomJoined,
		SuccessMatch: func(raw json.RawMessage) bool {
			var rj protocol.RoomJoined
			return json.Unmarshal(raw, &rj) == nil && rj.TeamID == "T2"
		},
	}, 5*time.Second, func() error { return nil })

	f.send(t, 0, protocol.EventRoomJoined, `{"team_id":"T1","members_count":1}`)
	_, settled := p.Settled()
	assert.False(t, settled)

	f.send(t, 0, protocol.EventRoomJoined, `{"team_id":"T2","members_count":2}`)
	out, settled := p.Settled()
	require.True(t, settled)
	assert.NoError(t, out.Err)
	assert.Zero(t, f.timers.Len())
}

func TestSeq_ReplayDroppedAndResetOnConnect(t *testing.T) {
	f := newFixture(t)
	var dropped []string
	f.router.Observe(func(_ context.Context, pkt *protocol.Packet, reason string) {
		dropped = append(dropped, reason)
	})

	f.send(t, 5, protocol.EventGameCreated, `{"game_id":"G1"}`)
	f.send(t, 5, protocol.EventGameCreated, `{"game_id":"G2"}`)
	f.send(t, 4, protocol.EventGameCreated, `{"game_id":"G3"}`)
	assert.Equal(t, "G1", f.store.Session().GameID)

	f.send(t, 0, protocol.EventConnect, "")
	assert.True(t, f.table.Connected())
	assert.Equal(t, 1, f.joins)

	f.send(t, 1, protocol.EventGameCreated, `{"game_id":"G4"}`)
	assert.Equal(t, "G4", f.store.Session().GameID)
	assert.Equal(t, []string{"", DropReplay, DropReplay, "", ""}, dropped)
}

func TestUnhandledEvent(t *testing.T) {
	f := newFixture(t)
	var reason string
	f.router.Observe(func(_ context.Context, _ *protocol.Packet, r string) { reason = r })
	f.send(t, 0, "game:unknown", `{}`)
	assert.Equal(t, DropUnhandled, reason)
	assert.False(t, f.router.Handles("game:unknown"))
	assert.True(t, f.router.Handles(protocol.EventNewTask))
}

func TestMemberEvents_PartialUpdates(t *testing.T) {
	f := newFixture(t)
	f.send(t, 0, protocol.EventRoomJoined, `{"team_id":"T1","members_count":1,"all_members":[{"user_id":"u1","username":"ann"}]}`)

	f.send(t, 0, protocol.EventMemberJoined, `{"team_id":"T1","username":"bob","members_count":2}`)
	room, _ := f.store.Room("T1")
	assert.Equal(t, 2, room.MemberCount)
	assert.Len(t, room.Members, 1, "absent all_members keeps the list")

	f.send(t, 0, protocol.EventMemberLeft, `{"team_id":"T1","username":"ann","all_members":[{"user_id":"u2","username":"bob"}]}`)
	room, _ = f.store.Room("T1")
	assert.Equal(t, 2, room.MemberCount, "absent members_count keeps the count")
	assert.Equal(t, "bob", room.Members[0].Username)

	// Other team: anomaly, nothing changes.
	f.send(t, 0, protocol.EventMemberJoined, `{"team_id":"T9","members_count":7}`)
	room, _ = f.store.Room("T1")
	assert.Equal(t, 2, room.MemberCount)

	var messages []string
	for _, n := range f.sink.Notices() {
		messages = append(messages, n.Message)
	}
	assert.Contains(t, messages, "bob joined the team")
	assert.Contains(t, messages, "ann left the team")
}

func TestGameStarted_NavigatesOnce(t *testing.T) {
	f := newFixture(t)
	payload := `{"game_id":"G1","cur_task_id":"t1","cur_task":{"id":"t1","name":"Find the gate"}}`
	f.send(t, 0, protocol.EventGameStarted, payload)
	f.send(t, 0, protocol.EventGameStarted, payload)

	s := f.store.Session()
	assert.True(t, s.IsStarted)
	assert.Equal(t, store.DefaultRole, s.Role)
	assert.Equal(t, "t1", s.CurrentTaskID)
	assert.Equal(t, []string{sink.RoutePlay}, f.sink.Routes())
}

func TestGameStarted_WithoutTaskDescriptorResolvesStart(t *testing.T) {
	f := newFixture(t)
	p := f.corr.Request(protocol.EventStart, correlator.Rule{
		Success: protocol.EventGameStarted,
		Failure: protocol.EventError,
	}, 8*time.Second, func() error { return nil })

	f.send(t, 0, protocol.EventGameStarted, `{"game_id":"g7","role":"guide","cur_task_id":"t1"}`)
	out, settled := p.Settled()
	require.True(t, settled)
	assert.NoError(t, out.Err)

	s := f.store.Session()
	assert.True(t, s.IsStarted)
	assert.Equal(t, "guide", s.Role)
	assert.Equal(t, "g7", s.GameID)
	assert.Empty(t, s.CurrentTaskID)
	assert.Nil(t, s.CurrentTask)
	assert.Equal(t, []string{sink.RoutePlay}, f.sink.Routes())
}

func TestGameStarted_RedeliveryKeepsNewerTask(t *testing.T) {
	f := newFixture(t)
	started := 0
	f.hooks.Register(hook.OnGameStarted, 0, "count", func(_ context.Context, _ string, data interface{}) (interface{}, error) {
		started++
		return data, nil
	})

	start := `{"game_id":"G1","cur_task_id":"t1","cur_task":{"id":"t1","name":"Find the gate"}}`
	f.send(t, 0, protocol.EventGameStarted, start)
	f.send(t, 0, protocol.EventNewTask, `{"task_id":"t2","task":{"id":"t2","name":"Cross the bridge"}}`)
	f.send(t, 0, protocol.EventGameStarted, start)

	assert.Equal(t, "t2", f.store.Session().CurrentTaskID)
	assert.Equal(t, []string{sink.RoutePlay}, f.sink.Routes())
	assert.Equal(t, 1, started)
	gameStarted := 0
	for _, n := range f.sink.Notices() {
		if n.Message == "Game started!" {
			gameStarted++
		}
	}
	assert.Equal(t, 1, gameStarted)
}

func TestRoomJoined_RefusedEventRejectsPendingJoin(t *testing.T) {
	f := newFixture(t)
	p := f.corr.Request(protocol.EventJoinRoom, correlator.Rule{
		Success: protocol.EventRoomJoined,
		Failure: protocol.EventError,
	}, 5*time.Second, func() error { return nil })

	f.send(t, 0, protocol.EventRoomJoined, `{"team_id":"T1","members_count":-2}`)
	out, settled := p.Settled()
	require.True(t, settled)
	assert.True(t, protocol.IsAnomaly(out.Err))
	assert.Empty(t, f.store.Session().TeamID)
	assert.Zero(t, f.timers.Len())
	assert.Zero(t, f.sink.Count(sink.KindInfo))
}

func TestNewTask_PlayerStateAndDuplicate(t *testing.T) {
	f := newFixture(t)
	payload := `{"task_msg":"Go north","player_state":{"role":"leader","cur_task_id":"t2","cur_task":{"id":"t2"}}}`
	f.send(t, 0, protocol.EventNewTask, payload)
	f.send(t, 0, protocol.EventNewTask, payload)

	s := f.store.Session()
	assert.Equal(t, "t2", s.CurrentTaskID)
	assert.Equal(t, "leader", s.Role)
	assert.Equal(t, 1, f.sink.Haptics())
	assert.Equal(t, []string{"New task"}, f.sink.Confirms())

	f.send(t, 0, protocol.EventNewTask, `{"task_id":"t3","task":{"name":"Bridge"}}`)
	assert.Equal(t, "t3", f.store.Session().CurrentTaskID)
	assert.Equal(t, 2, f.sink.Haptics())
}

func TestMechanismAndTaskComplete_Idempotent(t *testing.T) {
	f := newFixture(t)
	mc := `{"task_id":"t1","sub_task_id":"s1","completed_mechanism":"GPS_CHECK"}`
	f.send(t, 0, protocol.EventMechanismComplete, mc)
	f.send(t, 0, protocol.EventMechanismComplete, mc)
	assert.Equal(t, []string{"GPS_CHECK"}, f.store.Mechanisms("t1", "s1"))

	f.send(t, 0, protocol.EventTaskComplete, `{"task_id":"t1","sub_task_id":"s1"}`)
	f.send(t, 0, protocol.EventTaskComplete, `{"task_id":"t1","sub_task_id":"s2"}`)
	f.send(t, 0, protocol.EventTaskComplete, `{"task_id":"t1","sub_task_id":"s1"}`)
	assert.Equal(t, []string{"s1", "s2"}, f.store.CompletedSubTasks("t1"))
	assert.Equal(t, 3, f.sink.Count(sink.KindSuccess))
}

func TestImageVerifyFlow(t *testing.T) {
	f := newFixture(t)
	var statuses []store.UploadStatus
	f.hooks.Register(hook.OnUploadStatus, 0, "test", func(_ context.Context, _ string, data interface{}) (interface{}, error) {
		statuses = append(statuses, data.(store.UploadStatus))
		return data, nil
	})

	f.send(t, 0, protocol.EventImageVerifyStart, "")
	f.send(t, 0, protocol.EventImageVerifyResult, `{"success":false,"target_attraction":"Gate"}`)
	f.send(t, 0, protocol.EventImageVerifyStart, "")
	f.send(t, 0, protocol.EventImageVerifyResult, `{"success":true}`)
	f.send(t, 0, protocol.EventImageVerifyError, `{"error":"boom"}`)

	assert.Equal(t, []store.UploadStatus{
		store.UploadVerifying, store.UploadFail, store.UploadVerifying, store.UploadSuccess, store.UploadFail,
	}, statuses)
	assert.Equal(t, []string{"Photo does not match"}, f.sink.Confirms())
}

func TestStreams_AssembleAndResetOnDisconnect(t *testing.T) {
	f := newFixture(t)
	var finished []stream.Finished
	f.hooks.Register(hook.OnStreamFinished, 0, "test", func(_ context.Context, _ string, data interface{}) (interface{}, error) {
		finished = append(finished, data.(stream.Finished))
		return data, nil
	})

	f.send(t, 0, protocol.EventAIStreamStart, `{"session_id":"s1"}`)
	f.send(t, 0, protocol.EventAIStreamChunk, `{"session_id":"s1","chunk":"a"}`)
	f.send(t, 0, protocol.EventNPCStreamChunk, `{"chunk":"stray"}`)
	f.send(t, 0, protocol.EventAIStreamChunk, `{"session_id":"s1","chunk":"b"}`)
	f.send(t, 0, protocol.EventAIStreamEnd, `{"session_id":"s1","task_completed":true}`)

	require.Len(t, finished, 1)
	assert.Equal(t, "ab", finished[0].Text)
	assert.True(t, finished[0].TaskCompleted)
	assert.False(t, f.table.NPC().Responding())

	f.send(t, 0, protocol.EventNPCStreamStart, `{"session_id":"n1"}`)
	f.send(t, 0, protocol.EventNPCStreamChunk, `{"session_id":"n1","chunk":"partial"}`)
	f.send(t, 0, protocol.EventDisconnect, "")
	assert.False(t, f.table.NPC().Responding())
	assert.False(t, f.table.Connected())

	f.send(t, 0, protocol.EventNPCStreamStart, `{"session_id":"n2"}`)
	f.send(t, 0, protocol.EventNPCStreamChunk, `{"session_id":"n2","chunk":"fresh"}`)
	f.send(t, 0, protocol.EventNPCStreamEnd, `{"session_id":"n2"}`)
	require.Len(t, finished, 2)
	assert.Equal(t, stream.KindNPC, finished[1].Kind)
	assert.Equal(t, "fresh", finished[1].Text)
}

func TestError_RejectsPendingOrShowsModal(t *testing.T) {
	f := newFixture(t)
	p := f.corr.Request(protocol.EventStart, correlator.Rule{
		Success: protocol.EventGameStarted,
		Failure: protocol.EventError,
	}, 8*time.Second, func() error { return nil })

	f.send(t, 0, protocol.EventError, `{"message":"game not ready"}`)
	out, settled := p.Settled()
	require.True(t, settled)
	var rejected *protocol.ServerRejectedError
	require.ErrorAs(t, out.Err, &rejected)
	assert.Equal(t, "game not ready", rejected.Message)
	assert.Equal(t, 1, f.sink.Count(sink.KindError))
	assert.Empty(t, f.sink.Confirms())

	f.send(t, 0, protocol.EventError, `{"error":"unsolicited"}`)
	assert.Equal(t, []string{"Server rejected"}, f.sink.Confirms())
}

func TestRoomLeft_ResetsSession(t *testing.T) {
	f := newFixture(t)
	f.send(t, 0, protocol.EventRoomJoined, `{"team_id":"T1","members_count":2}`)
	f.send(t, 0, protocol.EventGameCreated, `{"game_id":"G1"}`)
	f.send(t, 0, protocol.EventMechanismComplete, `{"task_id":"t1","completed_mechanism":"STAFF_CONFIRM"}`)

	f.send(t, 0, protocol.EventRoomLeft, `{"team_id":"T2"}`)
	assert.Equal(t, "T1", f.store.Session().TeamID, "room_left for another team is ignored")

	f.send(t, 0, protocol.EventRoomLeft, `{"team_id":"T1"}`)
	assert.Equal(t, store.Session{}, f.store.Session())
	_, ok := f.store.Room("T1")
	assert.False(t, ok)
	assert.True(t, f.store.HasMechanism("t1", "", "STAFF_CONFIRM"))
}

func TestMalformedPayloadIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.send(t, 0, protocol.EventRoomJoined, `{"team_id":`)
	f.send(t, 0, protocol.EventNewTask, `{}`)
	assert.Equal(t, store.Session{}, f.store.Session())
}

func TestTraceIDFromCtx(t *testing.T) {
	r := NewRouter(zap.NewNop())
	var got string
	r.On("x", func(ctx context.Context, _ json.RawMessage) error {
		got = TraceIDFromCtx(ctx)
		return nil
	})
	r.Dispatch(&protocol.Packet{Type: "x"})
	assert.Len(t, got, 36)
	assert.Empty(t, TraceIDFromCtx(context.Background()))
}
