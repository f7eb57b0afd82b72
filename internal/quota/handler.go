package quota

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tutorstack/quotaledger/internal/api"
	"github.com/tutorstack/quotaledger/internal/ledger"
)

// Handler provides the admin/ops HTTP handlers for the quota engine.
type Handler struct {
	engine   *Engine
	entries  *ledger.Repository
	sweeper  *Sweeper
	validate *validator.Validate
}

// NewHandler creates a new quota Handler.
func NewHandler(engine *Engine, entries *ledger.Repository, sweeper *Sweeper) *Handler {
	return &Handler{
		engine:   engine,
		entries:  entries,
		sweeper:  sweeper,
		validate: validator.New(),
	}
}

// GetStatus returns the current balance for one (user, bucket) pair,
// applying a due reset first so the answer reflects the current period.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, bucket, ok := pathParams(w, r)
	if !ok {
		return
	}

	status, err := h.engine.GetStatus(r.Context(), userID, bucket)
	if err != nil {
		handleQuotaError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, status)
}

// ListLedger returns paginated ledger entries for a user.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user id"))
		return
	}

	params := parseLedgerParams(r)
	entries, total, err := h.entries.ListByUser(r.Context(), userID, params)
	if err != nil {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONPaginated(w, http.StatusOK, entries, total, params.Page, params.PageSize)
}

// AdjustLimitRequest is the body for limit overrides.
type AdjustLimitRequest struct {
	Limit int    `json:"limit" validate:"required,gt=0"`
	Note  string `json:"note" validate:"max=500"`
}

// AdjustLimit overrides a record's limit for the current period.
func (h *Handler) AdjustLimit(w http.ResponseWriter, r *http.Request) {
	userID, bucket, ok := pathParams(w, r)
	if !ok {
		return
	}

	var req AdjustLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	metadata := map[string]any{"source": "admin_api"}
	if req.Note != "" {
		metadata["note"] = req.Note
	}

	if err := h.engine.AdjustLimit(r.Context(), userID, bucket, req.Limit, metadata); err != nil {
		handleQuotaError(w, err)
		return
	}

	status, err := h.engine.GetStatus(r.Context(), userID, bucket)
	if err != nil {
		handleQuotaError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, status)
}

// TriggerSweep runs a reset sweep immediately and returns its summary.
// The scheduler remains the primary caller; this exists for operators.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sweeper.Run(r.Context(), time.Now().UTC())
	if err != nil {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, summary)
}

func pathParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, Bucket, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user id"))
		return uuid.Nil, "", false
	}
	bucket := Bucket(chi.URLParam(r, "bucket"))
	if !bucket.Valid() {
		api.HandleError(w, api.NewBadRequestError("unknown bucket"))
		return uuid.Nil, "", false
	}
	return userID, bucket, true
}

func parseLedgerParams(r *http.Request) ledger.ListParams {
	params := ledger.DefaultListParams()
	q := r.URL.Query()

	params.Bucket = q.Get("bucket")
	params.Reason = ledger.Reason(q.Get("reason"))

	if v := q.Get("page"); v != "" {
		if page, err := strconv.Atoi(v); err == nil && page > 0 {
			params.Page = page
		}
	}
	if v := q.Get("page_size"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			params.PageSize = size
		}
	}
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			params.From = &ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			params.To = &ts
		}
	}
	return params
}

func handleQuotaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		api.HandleError(w, api.ErrNotFound)
	case errors.Is(err, ErrUnknownBucket), errors.Is(err, ErrInvalidAmount):
		api.HandleError(w, api.NewBadRequestError(err.Error()))
	case errors.Is(err, ErrLimitBelowUsage):
		api.HandleError(w, api.NewConflictError(err.Error()))
	case errors.Is(err, ErrQuotaExceeded):
		api.HandleError(w, api.ErrQuotaExceeded)
	case IsTransient(err):
		api.HandleError(w, api.ErrServiceUnavailable)
	default:
		api.HandleError(w, api.ErrInternalServer)
	}
}
