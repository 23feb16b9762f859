package store

import (
	"time"

	"github.com/kasuganosora/guidegame/client/protocol"
)

// UploadStatus tracks photo verification for the active task.
type UploadStatus string

const (
	UploadIdle      UploadStatus = "idle"
	UploadVerifying UploadStatus = "verifying"
	UploadSuccess   UploadStatus = "success"
	UploadFail      UploadStatus = "fail"
)

// DefaultRole is used when the server starts a game without naming a role.
const DefaultRole = "visitor"

// Session is the player's view of the running game. CurrentTaskID is
// non-empty exactly when CurrentTask is set, and they always agree.
type Session struct {
	TeamID            string         `json:"team_id"`
	GameID            string         `json:"game_id"`
	IsStarted         bool           `json:"is_started"`
	Role              string         `json:"role"`
	CurrentTaskID     string         `json:"current_task_id"`
	CurrentTask       *protocol.Task `json:"current_task"`
	SelectedSubTaskID string         `json:"selected_sub_task_id"`
}

// Room is the last membership snapshot the server sent for a team.
type Room struct {
	MemberCount int               `json:"member_count"`
	Members     []protocol.Member `json:"members"`
}

// Snapshot is a deep copy of everything the store holds.
type Snapshot struct {
	Session    Session                        `json:"session"`
	Rooms      map[string]Room                `json:"rooms"`
	Mechanisms map[string]map[string][]string `json:"mechanisms"`
	Completed  map[string][]string            `json:"completed_sub_tasks"`
	Upload     UploadStatus                   `json:"upload_status"`
}

// Persisted is the part of the session that survives a process restart.
type Persisted struct {
	UserID  string    `msgpack:"user_id"`
	TeamID  string    `msgpack:"team_id"`
	GameID  string    `msgpack:"game_id"`
	SavedAt time.Time `msgpack:"saved_at"`
}
