package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ID is an identifier the server may send either as a JSON string or a
// JSON number. It is always handled as a string on the client.
type ID string

// UnmarshalJSON accepts "abc", 123 and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as a plain string.
func (id ID) String() string { return string(id) }

// IDFromInt is a convenience for numeric ids.
func IDFromInt(n int64) ID { return ID(strconv.FormatInt(n, 10)) }

// ---- outbound ----

type JoinRoomReq struct {
	TeamID   string `json:"team_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type SelectScriptReq struct {
	TeamID    string `json:"team_id"`
	ScriptID  string `json:"script_id"`
	Timestamp string `json:"timestamp"`
}

type StartReq struct {
	GameID    string `json:"game_id"`
	Timestamp string `json:"timestamp"`
}

type TaskSubmitReq struct {
	GameID         string                 `json:"game_id"`
	TaskID         string                 `json:"task_id"`
	SubmissionData map[string]interface{} `json:"submission_data"`
	SubTaskID      string                 `json:"sub_task_id,omitempty"`
	Timestamp      string                 `json:"timestamp"`
}

// ---- inbound ----

// Member is one entry of a room's member list.
type Member struct {
	UserID   ID     `json:"user_id" msgpack:"user_id"`
	Username string `json:"username" msgpack:"username"`
	Role     string `json:"role,omitempty" msgpack:"role"`
}

// RoomJoined is the room snapshot sent on game:room_joined.
type RoomJoined struct {
	TeamID       ID       `json:"team_id"`
	MembersCount *int     `json:"members_count"`
	AllMembers   []Member `json:"all_members"`
}

// MemberEvent is sent on team:member_joined and team:member_left.
type MemberEvent struct {
	TeamID       ID       `json:"team_id"`
	UserID       ID       `json:"user_id"`
	Username     string   `json:"username"`
	MembersCount *int     `json:"members_count"`
	AllMembers   []Member `json:"all_members"`
}

type RoomLeft struct {
	TeamID ID `json:"team_id"`
}

type Connected struct {
	SID string `json:"sid"`
}

type GameCreated struct {
	GameID ID `json:"game_id"`
	TeamID ID `json:"team_id"`
}

// SubTask is one step of a task with sub-tasks.
type SubTask struct {
	ID          ID     `json:"id" msgpack:"id"`
	Name        string `json:"name" msgpack:"name"`
	IsAuxiliary bool   `json:"is_auxiliary" msgpack:"is_auxiliary"`
}

// Task is the server's task descriptor. Raw keeps the full document so
// presentation layers can read fields the client does not model.
type Task struct {
	ID             ID              `json:"id" msgpack:"id"`
	Name           string          `json:"name" msgpack:"name"`
	Description    string          `json:"description" msgpack:"description"`
	HavingSubTasks bool            `json:"having_sub_tasks" msgpack:"having_sub_tasks"`
	SubTasks       []SubTask       `json:"sub_tasks" msgpack:"sub_tasks"`
	Raw            json.RawMessage `json:"-" msgpack:"raw"`
}

// UnmarshalJSON falls back to task_id when id is absent and keeps Raw.
func (t *Task) UnmarshalJSON(b []byte) error {
	type plain Task
	var aux struct {
		plain
		TaskID ID `json:"task_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*t = Task(aux.plain)
	if t.ID == "" {
		t.ID = aux.TaskID
	}
	t.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON writes Raw when present so unknown fields survive.
func (t Task) MarshalJSON() ([]byte, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	type plain Task
	return json.Marshal(plain(t))
}

// SubTask returns the sub-task with the given id.
func (t *Task) SubTask(id string) (SubTask, bool) {
	for _, st := range t.SubTasks {
		if string(st.ID) == id {
			return st, true
		}
	}
	return SubTask{}, false
}

// PlayerState is the per-player game state carried by game:new_task.
type PlayerState struct {
	GameID    ID     `json:"game_id"`
	Role      string `json:"role"`
	CurTaskID ID     `json:"cur_task_id"`
	CurTask   *Task  `json:"cur_task"`
}

// GameStarted is the game_started payload.
type GameStarted struct {
	GameID    ID     `json:"game_id"`
	TeamID    ID     `json:"team_id"`
	Role      string `json:"role"`
	CurTaskID ID     `json:"cur_task_id"`
	CurTask   *Task  `json:"cur_task"`
}

type NewTask struct {
	TaskID      ID           `json:"task_id"`
	Task        *Task        `json:"task"`
	TaskMsg     string       `json:"task_msg"`
	PlayerState *PlayerState `json:"player_state"`
}

type MechanismComplete struct {
	TaskID             ID     `json:"task_id"`
	SubTaskID          ID     `json:"sub_task_id"`
	CompletedMechanism string `json:"completed_mechanism"`
}

type TaskComplete struct {
	TaskID    ID     `json:"task_id"`
	SubTaskID ID     `json:"sub_task_id"`
	TaskMsg   string `json:"task_msg"`
}

type TaskFailed struct {
	TaskID  ID     `json:"task_id"`
	TaskMsg string `json:"task_msg"`
}

// StreamEvent covers start, chunk and end of both dialogue streams.
type StreamEvent struct {
	SessionID     string `json:"session_id"`
	Chunk         string `json:"chunk"`
	TaskCompleted bool   `json:"task_completed"`
}

type ImageVerifyResult struct {
	Success              bool   `json:"success"`
	TargetAttraction     string `json:"target_attraction"`
	IdentifiedAttraction string `json:"identified_attraction"`
	Error                string `json:"error"`
}

type ChatMessage struct {
	UserID   ID     `json:"user_id"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

type GameEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ServerError is the game:error payload. Servers use either message or error.
type ServerError struct {
	TeamID  ID     `json:"team_id"`
	GameID  ID     `json:"game_id"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Text returns the human readable error text.
func (e ServerError) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}
