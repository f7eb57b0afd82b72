package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reason classifies why a quota balance changed.
type Reason string

const (
	ReasonSystemReset Reason = "SYSTEM_RESET"
	ReasonAdminAdjust Reason = "ADMIN_ADJUST"
	ReasonConsume     Reason = "CONSUME"
	ReasonRefund      Reason = "REFUND"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonSystemReset, ReasonAdminAdjust, ReasonConsume, ReasonRefund:
		return true
	}
	return false
}

// Entry matches the quota_ledger table schema. Entries are append-only:
// one per balance change, written in the same transaction as the change.
type Entry struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Bucket    string          `json:"bucket"`
	Change    int             `json:"change"`
	Reason    Reason          `json:"reason"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for ledger queries.
type ListParams struct {
	Bucket   string
	Reason   Reason
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}
