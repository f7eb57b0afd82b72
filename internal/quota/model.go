package quota

import (
	"time"

	"github.com/google/uuid"
)

// Record matches the quota_records table schema. One row per (user, bucket).
type Record struct {
	UserID    uuid.UUID `json:"user_id"`
	Bucket    Bucket    `json:"bucket"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	AnchorDay int       `json:"anchor_day"`
	ResetAt   time.Time `json:"reset_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns the balance still available this period.
func (r *Record) Remaining() int {
	remaining := r.Limit - r.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ConsumeResult reports the balance after a successful consume.
type ConsumeResult struct {
	UsedAfter      int `json:"used_after"`
	RemainingAfter int `json:"remaining_after"`
	Limit          int `json:"limit"`
}

// RefundResult reports the balance after a refund.
type RefundResult struct {
	UsedAfter int `json:"used_after"`
}

// Status is the read model for one (user, bucket) pair.
type Status struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// SweepSummary reports the outcome of one reset sweep run.
type SweepSummary struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}
