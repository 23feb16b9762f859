package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kasuganosora/guidegame/client/model"
	"github.com/kasuganosora/guidegame/client/protocol"
	"github.com/kasuganosora/guidegame/client/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pkt(seq uint64, event, payload string) *protocol.Packet {
	return &protocol.Packet{Seq: seq, Type: event, Payload: json.RawMessage(payload)}
}

func TestRecord_FlushedOnStop(t *testing.T) {
	db := testutil.SetupTestDB(t)
	j := New(db, Options{FlushInterval: time.Hour}, zap.NewNop())

	j.Record(Entry{Direction: model.DirectionOut, Gen: 1, TraceID: "tr-1", Packet: pkt(1, "join_room", `{"teamId":"T1"}`)})
	j.Record(Entry{Direction: model.DirectionIn, Gen: 1, Packet: pkt(3, "room_joined", `{"teamId":"T1"}`)})
	j.Stop(context.Background())

	var rows []model.EventLog
	require.NoError(t, db.Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "join_room", rows[0].Event)
	assert.Equal(t, model.DirectionOut, rows[0].Direction)
	assert.Equal(t, "tr-1", rows[0].TraceID)
	assert.Equal(t, uint64(3), rows[1].Seq)
	assert.JSONEq(t, `{"teamId":"T1"}`, string(rows[1].Payload))
	assert.NotEmpty(t, rows[1].Digest)
}

func TestRecord_FlagsDuplicateInbound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	j := New(db, Options{}, zap.NewNop())

	j.Record(Entry{Direction: model.DirectionIn, Packet: pkt(1, "new_task", `{"taskId":"A"}`)})
	j.Record(Entry{Direction: model.DirectionIn, Packet: pkt(2, "new_task", `{"taskId":"A"}`)})
	j.Record(Entry{Direction: model.DirectionIn, Packet: pkt(3, "new_task", `{"taskId":"B"}`)})
	j.Stop(context.Background())

	var rows []model.EventLog
	require.NoError(t, db.Order("id").Find(&rows).Error)
	require.Len(t, rows, 3)
	assert.False(t, rows[0].Duplicate)
	assert.True(t, rows[1].Duplicate)
	assert.False(t, rows[2].Duplicate)
}

func TestRecord_KeepsDroppedReasonAndEmptyPayload(t *testing.T) {
	db := testutil.SetupTestDB(t)
	j := New(db, Options{}, zap.NewNop())

	j.Record(Entry{Direction: model.DirectionIn, Packet: &protocol.Packet{Seq: 1, Type: "member_left"}, Dropped: "replay"})
	j.Record(Entry{Direction: model.DirectionIn})
	j.Stop(context.Background())

	var rows []model.EventLog
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "replay", rows[0].Dropped)
	assert.Equal(t, "null", string(rows[0].Payload))
}

func TestRecord_BatchFlush(t *testing.T) {
	db := testutil.SetupTestDB(t)
	j := New(db, Options{BatchSize: 10, FlushInterval: time.Hour}, zap.NewNop())

	for i := 0; i < 25; i++ {
		j.Record(Entry{Direction: model.DirectionOut, Packet: pkt(uint64(i+1), "task_submit", `{}`)})
	}
	j.Stop(context.Background())

	var count int64
	db.Model(&model.EventLog{}).Count(&count)
	assert.Equal(t, int64(25), count)
}

func TestStop_IdempotentAndRecordAfterStop(t *testing.T) {
	db := testutil.SetupTestDB(t)
	j := New(db, Options{}, zap.NewNop())
	j.Stop(context.Background())
	j.Stop(context.Background())
	j.Record(Entry{Direction: model.DirectionOut, Packet: pkt(1, "start", `{}`)})

	var count int64
	db.Model(&model.EventLog{}).Count(&count)
	assert.Zero(t, count)
}

func TestDigest(t *testing.T) {
	assert.Equal(t, Digest("a", []byte("b")), Digest("a", []byte("b")))
	assert.NotEqual(t, Digest("ab", nil), Digest("a", []byte("b")))
}
