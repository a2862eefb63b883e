package models

import "time"

// Queue operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Queue entry states. Entries are pending until a reconciliation pass
// picks them up; inflight entries are being sent and must not be
// coalesced. Terminal failures leave the queue entirely (DeadLetter).
const (
	EntryPending  = "pending"
	EntryInflight = "inflight"
)

// SyncQueueEntry is one durable pending mutation. Sequence is assigned by
// the database and defines replay order; entries for the same EntityID
// must be applied in sequence order.
type SyncQueueEntry struct {
	Sequence   uint       `gorm:"primaryKey;autoIncrement"`
	Operation  string     `gorm:"size:16;not null"`
	EntityType string     `gorm:"size:32;not null;index"`
	EntityID   string     `gorm:"size:64;not null;index"`
	Payload    string     `gorm:"type:text"` // JSON snapshot of the entity
	State      string     `gorm:"size:16;default:pending;index"`
	Attempts   int        `gorm:"default:0"`
	LastError  string     `gorm:"type:text"`
	EnqueuedAt time.Time
	SentAt     *time.Time
}

// DeadLetter is a queue entry that failed terminally. It is retained for
// user-visible resolution and never retried automatically.
type DeadLetter struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Sequence   uint   `gorm:"index"` // sequence of the original entry
	Operation  string `gorm:"size:16;not null"`
	EntityType string `gorm:"size:32;not null"`
	EntityID   string `gorm:"size:64;not null;index"`
	Payload    string `gorm:"type:text"`
	Attempts   int
	Reason     string `gorm:"type:text"` // server rejection, verbatim when available
	EnqueuedAt time.Time
	DeadAt     time.Time
}
