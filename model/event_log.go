// Package model holds the gorm models persisted by the client.
package model

import (
	"time"

	"gorm.io/datatypes"
)

// Direction of a journaled packet.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// EventLog records one packet seen on the wire, inbound or outbound.
type EventLog struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID   string         `gorm:"index:idx_event_trace;size:36" json:"trace_id"`
	Direction string         `gorm:"size:3;not null" json:"direction"`
	Gen       uint64         `json:"gen"`
	Seq       uint64         `json:"seq"`
	Event     string         `gorm:"index:idx_event_type;size:64;not null" json:"event"`
	Payload   datatypes.JSON `json:"payload"`
	// Digest is the hex xxhash64 of event name and payload.
	Digest    string    `gorm:"size:16" json:"digest"`
	Duplicate bool      `json:"duplicate"`
	Dropped   string    `gorm:"size:64" json:"dropped,omitempty"`
	CreatedAt time.Time `gorm:"index:idx_event_created;autoCreateTime:milli" json:"created_at"`
}
