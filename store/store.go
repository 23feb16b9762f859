// Package store is the client's authoritative local mirror of the game
// session: room membership, the active task, mechanism and sub-task
// progress, and photo verification status.
//
// Mutators are called only from the client's event loop. Each one reports
// whether it changed anything so callers can suppress duplicate
// notifications; applying the same event twice is always safe.
package store

import (
	"reflect"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/protocol"
	"go.uber.org/zap"
)

// ErrUnknownSubTask is returned by SelectSubTask for ids the active task
// does not list.
var ErrUnknownSubTask = errors.New("unknown sub-task")

// Store holds session state. It is not safe for concurrent use.
type Store struct {
	session    Session
	rooms      map[string]*Room
	mechanisms map[string]map[string]map[string]struct{} // task → sub-task ("" for the task itself) → keys
	completed  map[string][]string
	upload     UploadStatus
	logger     *zap.Logger
}

// New creates an empty Store.
func New(logger *zap.Logger) *Store {
	return &Store{
		rooms:      make(map[string]*Room),
		mechanisms: make(map[string]map[string]map[string]struct{}),
		completed:  make(map[string][]string),
		upload:     UploadIdle,
		logger:     logger,
	}
}

// ---- room ----

// SetRoomInfo replaces the room snapshot for the joined team and records it
// as the current team.
func (s *Store) SetRoomInfo(rj protocol.RoomJoined) (bool, error) {
	team := string(rj.TeamID)
	if team == "" {
		return false, protocol.Anomaly("room snapshot without team_id")
	}
	room := &Room{Members: cloneMembers(rj.AllMembers)}
	switch {
	case rj.MembersCount != nil:
		room.MemberCount = *rj.MembersCount
	case rj.AllMembers != nil:
		room.MemberCount = len(rj.AllMembers)
	}
	if room.MemberCount < 0 {
		return false, protocol.Anomaly("negative member count %d for team %s", room.MemberCount, team)
	}

	changed := s.session.TeamID != team
	if old, ok := s.rooms[team]; !ok || !reflect.DeepEqual(old, room) {
		changed = true
	}
	s.session.TeamID = team
	s.rooms[team] = room
	return changed, nil
}

// UpdateMembers replaces the member list of a team, keeping the count.
// An empty team means the current team.
func (s *Store) UpdateMembers(team string, members []protocol.Member) (bool, error) {
	room, err := s.roomFor(team)
	if err != nil {
		return false, err
	}
	if reflect.DeepEqual(room.Members, members) {
		return false, nil
	}
	room.Members = cloneMembers(members)
	return true, nil
}

// UpdateMemberCount replaces the member count of a team, keeping the list.
func (s *Store) UpdateMemberCount(team string, n int) (bool, error) {
	if n < 0 {
		return false, protocol.Anomaly("negative member count %d", n)
	}
	room, err := s.roomFor(team)
	if err != nil {
		return false, err
	}
	if room.MemberCount == n {
		return false, nil
	}
	room.MemberCount = n
	return true, nil
}

func (s *Store) roomFor(team string) (*Room, error) {
	if team == "" {
		team = s.session.TeamID
	}
	if team == "" {
		return nil, protocol.Anomaly("member update with no joined team")
	}
	if team != s.session.TeamID {
		return nil, protocol.Anomaly("member update for team %s, joined team is %q", team, s.session.TeamID)
	}
	room, ok := s.rooms[team]
	if !ok {
		room = &Room{}
		s.rooms[team] = room
	}
	return room, nil
}

// Room returns the membership snapshot of a team.
func (s *Store) Room(team string) (Room, bool) {
	r, ok := s.rooms[team]
	if !ok {
		return Room{}, false
	}
	return Room{MemberCount: r.MemberCount, Members: cloneMembers(r.Members)}, true
}

// ---- game and task ----

// SetGameID records the game created for the team.
func (s *Store) SetGameID(id string) bool {
	if id == "" || s.session.GameID == id {
		return false
	}
	s.session.GameID = id
	return true
}

// HandleGameStarted marks the game running and applies role, game id and
// current task. A task that cannot be applied is skipped and logged; the
// game still starts. Once started, a repeated game_started for the same
// game only fills the current task when none is set.
func (s *Store) HandleGameStarted(gs protocol.GameStarted) (bool, error) {
	next := s.session
	sameGame := next.IsStarted && (gs.GameID == "" || string(gs.GameID) == next.GameID)
	if next.IsStarted && !sameGame {
		next.CurrentTaskID = ""
		next.CurrentTask = nil
		next.SelectedSubTaskID = ""
	}
	if !sameGame || next.CurrentTask == nil {
		if err := s.applyTask(&next, string(gs.CurTaskID), gs.CurTask); err != nil {
			s.logger.Warn("game started without a usable task",
				zap.String("game_id", string(gs.GameID)),
				zap.Error(err))
		}
	}
	next.IsStarted = true
	switch {
	case gs.Role != "":
		next.Role = gs.Role
	case !sameGame || next.Role == "":
		next.Role = DefaultRole
	}
	if gs.GameID != "" {
		next.GameID = string(gs.GameID)
	}
	return s.commit(next), nil
}

// UpdateTask makes task the current task. id and task.ID must agree when
// both are set; a nil task with an empty id clears the current task.
func (s *Store) UpdateTask(id string, task *protocol.Task) (bool, error) {
	next := s.session
	if task == nil && id == "" {
		next.CurrentTaskID = ""
		next.CurrentTask = nil
		next.SelectedSubTaskID = ""
		return s.commit(next), nil
	}
	if err := s.applyTask(&next, id, task); err != nil {
		return false, err
	}
	return s.commit(next), nil
}

// UpdateGameState applies a player_state document.
func (s *Store) UpdateGameState(ps protocol.PlayerState) (bool, error) {
	next := s.session
	if err := s.applyTask(&next, string(ps.CurTaskID), ps.CurTask); err != nil {
		return false, err
	}
	if ps.Role != "" {
		next.Role = ps.Role
	}
	if ps.GameID != "" {
		next.GameID = string(ps.GameID)
	}
	return s.commit(next), nil
}

// applyTask normalizes an (id, task) pair into next. Both absent leaves the
// current task in place.
func (s *Store) applyTask(next *Session, id string, task *protocol.Task) error {
	if task == nil {
		if id == "" {
			return nil
		}
		if next.CurrentTask != nil && next.CurrentTaskID == id {
			return nil
		}
		return protocol.Anomaly("task id %s without task descriptor", id)
	}
	t := *task
	if t.ID == "" {
		t.ID = protocol.ID(id)
	}
	if id == "" {
		id = string(t.ID)
	}
	if id == "" {
		return protocol.Anomaly("task descriptor without id")
	}
	if string(t.ID) != id {
		return protocol.Anomaly("task id %s disagrees with descriptor id %s", id, t.ID)
	}
	if next.CurrentTaskID != id {
		next.SelectedSubTaskID = ""
	}
	next.CurrentTaskID = id
	next.CurrentTask = &t
	return nil
}

func (s *Store) commit(next Session) bool {
	if reflect.DeepEqual(s.session, next) {
		return false
	}
	s.session = next
	return true
}

// SelectSubTask chooses the sub-task that task submissions target. An empty
// id clears the selection.
func (s *Store) SelectSubTask(id string) (bool, error) {
	if id == "" {
		changed := s.session.SelectedSubTaskID != ""
		s.session.SelectedSubTaskID = ""
		return changed, nil
	}
	if s.session.CurrentTask == nil {
		return false, protocol.ErrNoActiveTask
	}
	if _, ok := s.session.CurrentTask.SubTask(id); !ok {
		return false, errors.Wrapf(ErrUnknownSubTask, "%s in task %s", id, s.session.CurrentTaskID)
	}
	if s.session.SelectedSubTaskID == id {
		return false, nil
	}
	s.session.SelectedSubTaskID = id
	return true, nil
}

// IsSubTaskAuxiliary reports whether the selected sub-task is auxiliary.
func (s *Store) IsSubTaskAuxiliary() bool {
	if s.session.CurrentTask == nil || s.session.SelectedSubTaskID == "" {
		return false
	}
	st, ok := s.session.CurrentTask.SubTask(s.session.SelectedSubTaskID)
	return ok && st.IsAuxiliary
}

// ---- progress ----

// RecordMechanism marks a mechanism complete. subTask may be empty for
// mechanisms of the task itself.
func (s *Store) RecordMechanism(task, subTask, key string) (bool, error) {
	if task == "" || key == "" {
		return false, protocol.Anomaly("mechanism completion missing task or key (task=%q key=%q)", task, key)
	}
	subs, ok := s.mechanisms[task]
	if !ok {
		subs = make(map[string]map[string]struct{})
		s.mechanisms[task] = subs
	}
	keys, ok := subs[subTask]
	if !ok {
		keys = make(map[string]struct{})
		subs[subTask] = keys
	}
	if _, done := keys[key]; done {
		return false, nil
	}
	keys[key] = struct{}{}
	return true, nil
}

// HasMechanism reports whether a mechanism has been recorded.
func (s *Store) HasMechanism(task, subTask, key string) bool {
	_, ok := s.mechanisms[task][subTask][key]
	return ok
}

// Mechanisms returns the recorded mechanism keys, sorted.
func (s *Store) Mechanisms(task, subTask string) []string {
	return sortedKeys(s.mechanisms[task][subTask])
}

// CompleteSubTask records a finished sub-task, keeping completion order.
func (s *Store) CompleteSubTask(task, subTask string) (bool, error) {
	if task == "" || subTask == "" {
		return false, protocol.Anomaly("sub-task completion missing ids (task=%q sub_task=%q)", task, subTask)
	}
	for _, id := range s.completed[task] {
		if id == subTask {
			return false, nil
		}
	}
	s.completed[task] = append(s.completed[task], subTask)
	return true, nil
}

// CompletedSubTasks returns finished sub-task ids in completion order.
func (s *Store) CompletedSubTasks(task string) []string {
	return append([]string(nil), s.completed[task]...)
}

// ---- upload ----

// SetUploadStatus sets the photo verification status.
func (s *Store) SetUploadStatus(st UploadStatus) bool {
	if s.upload == st {
		return false
	}
	s.upload = st
	return true
}

// UploadStatus returns the photo verification status.
func (s *Store) UploadStatus() UploadStatus { return s.upload }

// ---- lifecycle ----

// ResetState clears the session, the current team's room and the upload
// status. Progress maps are kept.
func (s *Store) ResetState() bool {
	changed := !reflect.DeepEqual(s.session, Session{}) || s.upload != UploadIdle
	if s.session.TeamID != "" {
		if _, ok := s.rooms[s.session.TeamID]; ok {
			delete(s.rooms, s.session.TeamID)
			changed = true
		}
	}
	s.session = Session{}
	s.upload = UploadIdle
	return changed
}

// Session returns a copy of the session.
func (s *Store) Session() Session {
	out := s.session
	if out.CurrentTask != nil {
		t := cloneTask(*out.CurrentTask)
		out.CurrentTask = &t
	}
	return out
}

// Snapshot returns a deep copy of the whole store.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Session:    s.Session(),
		Rooms:      make(map[string]Room, len(s.rooms)),
		Mechanisms: make(map[string]map[string][]string, len(s.mechanisms)),
		Completed:  make(map[string][]string, len(s.completed)),
		Upload:     s.upload,
	}
	for team := range s.rooms {
		snap.Rooms[team], _ = s.Room(team)
	}
	for task, subs := range s.mechanisms {
		m := make(map[string][]string, len(subs))
		for sub, keys := range subs {
			m[sub] = sortedKeys(keys)
		}
		snap.Mechanisms[task] = m
	}
	for task := range s.completed {
		snap.Completed[task] = s.CompletedSubTasks(task)
	}
	return snap
}

// Persisted returns the ids needed to rejoin after a restart.
func (s *Store) Persisted() Persisted {
	return Persisted{TeamID: s.session.TeamID, GameID: s.session.GameID}
}

// Restore seeds team and game ids from a persisted session. Ids already
// known to the store win.
func (s *Store) Restore(p Persisted) bool {
	changed := false
	if s.session.TeamID == "" && p.TeamID != "" {
		s.session.TeamID = p.TeamID
		changed = true
	}
	if s.session.GameID == "" && p.GameID != "" {
		s.session.GameID = p.GameID
		changed = true
	}
	if changed {
		s.logger.Info("session restored",
			zap.String("team_id", s.session.TeamID),
			zap.String("game_id", s.session.GameID))
	}
	return changed
}

func cloneMembers(in []protocol.Member) []protocol.Member {
	if in == nil {
		return nil
	}
	return append([]protocol.Member(nil), in...)
}

func cloneTask(t protocol.Task) protocol.Task {
	t.SubTasks = append([]protocol.SubTask(nil), t.SubTasks...)
	t.Raw = append([]byte(nil), t.Raw...)
	return t
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
