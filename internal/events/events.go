package events

import (
	"time"

	"github.com/google/uuid"
)

// Stream and subject names.
const (
	StreamQuota = "QUOTALEDGER_EVENTS"

	SubjectQuotaChanged   = "quota.events.changed"
	SubjectSweepCompleted = "quota.events.sweep"

	// SubjectWildcard covers every subject carried by StreamQuota.
	SubjectWildcard = "quota.events.>"
)

// QuotaChanged is published after a committed balance change. It mirrors
// the ledger entry and is best-effort: the ledger row, not the event, is
// the source of truth.
type QuotaChanged struct {
	UserID    uuid.UUID `json:"user_id"`
	Bucket    string    `json:"bucket"`
	Change    int       `json:"change"`
	Reason    string    `json:"reason"`
	UsedAfter int       `json:"used_after"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	Timestamp time.Time `json:"timestamp"`
}

// SweepCompleted is published after each reset sweep run.
type SweepCompleted struct {
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	SweptAsOf  time.Time `json:"swept_as_of"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
