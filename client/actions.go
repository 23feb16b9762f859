package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/correlator"
	"github.com/kasuganosora/guidegame/client/hook"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/kasuganosora/guidegame/client/sink"
	"go.uber.org/zap"
)

// matchID returns a predicate accepting payloads whose field equals want.
// When optional is set, payloads without the field match too.
func matchID(field, want string, optional bool) correlator.Predicate {
	return func(raw json.RawMessage) bool {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return optional
		}
		var id protocol.ID
		if v, ok := m[field]; ok {
			if err := json.Unmarshal(v, &id); err != nil {
				return false
			}
		}
		if id == "" {
			return optional
		}
		return string(id) == want
	}
}

func timestamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (c *Client) notifyOffline(err error) {
	if errors.Is(err, protocol.ErrNotConnected) {
		c.sink.Notify(sink.KindError, "Not connected to the server")
	}
}

// JoinRoom joins a team room and waits for the server's room snapshot.
// It returns (false, protocol.ErrRequestTimeout) when the server does not
// answer in time. A zero user means the configured one.
func (c *Client) JoinRoom(teamID string, user User) (bool, error) {
	if teamID == "" {
		return false, errors.New("join room: team id is required")
	}
	var p *correlator.Pending
	if err := c.call(func() {
		if user.ID == "" {
			user = c.user
		}
		p = c.requestJoin(teamID, user)
	}); err != nil {
		return false, err
	}
	if _, err := p.Wait(); err != nil {
		c.notifyOffline(err)
		return false, err
	}
	return true, nil
}

// requestJoin runs on the event loop.
func (c *Client) requestJoin(teamID string, user User) *correlator.Pending {
	rule := correlator.Rule{
		Success:      protocol.EventRoomJoined,
		SuccessMatch: matchID("team_id", teamID, false),
		Failure:      protocol.EventError,
		FailureMatch: matchID("team_id", teamID, true),
	}
	return c.corr.Request(protocol.EventJoinRoom, rule, c.cfg.JoinTimeout, func() error {
		return c.conn.Emit(protocol.EventJoinRoom, protocol.JoinRoomReq{
			TeamID:   teamID,
			UserID:   user.ID,
			Username: user.Name,
		})
	})
}

// rejoin is the dispatch table's OnConnect callback. After a reconnect, or
// a restart with a persisted session, the client re-enters its team room.
func (c *Client) rejoin(ctx context.Context) {
	team := c.store.Session().TeamID
	if team == "" {
		team = c.cfg.AutoJoinTeam
	}
	if team == "" {
		return
	}
	c.logger.Info("rejoining room", zap.String("team_id", team))
	p := c.requestJoin(team, c.user)
	go func() {
		if _, err := p.Wait(); err != nil {
			// A timeout here is expected when the server lost the room.
			c.logger.Info("rejoin did not complete", zap.String("team_id", team), zap.Error(err))
			return
		}
		c.logger.Info("rejoined room", zap.String("team_id", team))
	}()
}

// SelectScript assigns a script to a team. It does not wait for a reply;
// the game:game_created event that follows updates the store. An empty
// team means the joined team.
func (c *Client) SelectScript(teamID, scriptID string) error {
	var err error
	if cerr := c.call(func() {
		if teamID == "" {
			teamID = c.store.Session().TeamID
		}
		if teamID == "" {
			err = errors.New("select script: no team joined")
			return
		}
		err = c.conn.Emit(protocol.EventSelectScript, protocol.SelectScriptReq{
			TeamID:    teamID,
			ScriptID:  scriptID,
			Timestamp: timestamp(),
		})
		c.notifyOffline(err)
	}); cerr != nil {
		return cerr
	}
	return err
}

// StartGame starts a game and waits for game_started. An empty id means the
// game created for the joined team.
func (c *Client) StartGame(gameID string) (protocol.GameStarted, error) {
	var (
		p   *correlator.Pending
		err error
	)
	if cerr := c.call(func() {
		if gameID == "" {
			gameID = c.store.Session().GameID
		}
		if gameID == "" {
			c.sink.Notify(sink.KindInfo, "No game yet, select a script first")
			err = protocol.ErrNoGame
			return
		}
		rule := correlator.Rule{
			Success:      protocol.EventGameStarted,
			SuccessMatch: matchID("game_id", gameID, true),
			Failure:      protocol.EventError,
			FailureMatch: matchID("game_id", gameID, true),
		}
		p = c.corr.Request(protocol.EventStart, rule, c.cfg.StartTimeout, func() error {
			return c.conn.Emit(protocol.EventStart, protocol.StartReq{GameID: gameID, Timestamp: timestamp()})
		})
	}); cerr != nil {
		return protocol.GameStarted{}, cerr
	}
	if err != nil {
		return protocol.GameStarted{}, err
	}

	raw, err := p.Wait()
	if err != nil {
		c.notifyOffline(err)
		return protocol.GameStarted{}, err
	}
	var gs protocol.GameStarted
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &gs); err != nil {
			return protocol.GameStarted{}, protocol.Anomaly("malformed %s payload: %v", protocol.EventGameStarted, err)
		}
	}
	return gs, nil
}

// SubmitTask submits evidence for the current task. The result arrives
// later as game:mechanism_complete, game:task_complete or game:task_failed.
//
// The selected sub-task is targeted when the task has sub-tasks, unless the
// selection is auxiliary and the mechanism belongs to the main task.
func (c *Client) SubmitTask(data map[string]interface{}, mechanism string, isMainTaskMechanism bool) error {
	var err error
	if cerr := c.call(func() {
		s := c.store.Session()
		if s.CurrentTask == nil {
			err = protocol.ErrNoActiveTask
			return
		}
		submission := make(map[string]interface{}, len(data)+1)
		submission["mechanism_type"] = mechanism
		for k, v := range data {
			submission[k] = v
		}
		req := protocol.TaskSubmitReq{
			GameID:         s.GameID,
			TaskID:         s.CurrentTaskID,
			SubmissionData: submission,
			Timestamp:      timestamp(),
		}
		if s.CurrentTask.HavingSubTasks && s.SelectedSubTaskID != "" {
			if !c.store.IsSubTaskAuxiliary() || !isMainTaskMechanism {
				req.SubTaskID = s.SelectedSubTaskID
			}
		}
		if err = c.conn.Emit(protocol.EventTaskSubmit, req); err != nil {
			c.notifyOffline(err)
			return
		}
		c.sink.Notify(sink.KindLoading, "Submitting...")
	}); cerr != nil {
		return cerr
	}
	return err
}

// SelectSubTask chooses the sub-task later submissions target. An empty id
// clears the selection.
func (c *Client) SelectSubTask(id string) error {
	var err error
	if cerr := c.call(func() {
		var changed bool
		changed, err = c.store.SelectSubTask(id)
		if changed {
			if _, herr := c.hooks.Trigger(context.Background(), hook.OnTaskUpdated, c.store.Session()); herr != nil && !errors.Is(herr, hook.ErrInterrupt) {
				c.logger.Warn("hook failed", zap.String("hook", hook.OnTaskUpdated), zap.Error(herr))
			}
		}
	}); cerr != nil {
		return cerr
	}
	return err
}
