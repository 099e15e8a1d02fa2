package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/gate"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/hyperengineering/fieldsync/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultPeriod    = "today"
)

// GateControl reports and retries the initial sync gate.
type GateControl interface {
	Status() gate.Status
	Retry(ctx context.Context) gate.Status
}

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	Online() bool
}

// Kicker requests an immediate background sync pass.
type Kicker interface {
	Kick()
}

// Handler implements the API handlers
type Handler struct {
	reg      *dao.Registry
	gate     GateControl
	conn     Connectivity
	kicker   Kicker
	deviceID string
	apiKey   string
	version  string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithKicker lets local writes and POST /sync wake the sync coordinator.
func WithKicker(k Kicker) HandlerOption {
	return func(h *Handler) { h.kicker = k }
}

// WithDeviceID reports the device id on the health endpoint.
func WithDeviceID(id string) HandlerOption {
	return func(h *Handler) { h.deviceID = id }
}

// NewHandler creates a new Handler over the DAO registry.
func NewHandler(reg *dao.Registry, g GateControl, conn Connectivity, apiKey, version string, opts ...HandlerOption) *Handler {
	h := &Handler{
		reg:     reg,
		gate:    g,
		conn:    conn,
		apiKey:  apiKey,
		version: version,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

func (h *Handler) kick() {
	if h.kicker != nil {
		h.kicker.Kick()
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Online:    h.conn.Online(),
		GateState: string(h.gate.Status().State),
		DeviceID:  h.deviceID,
	})
}

// Gate handles GET /api/v1/gate
func (h *Handler) Gate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gate.Status())
}

// GateRetry handles POST /api/v1/gate/retry. The retry runs on the request
// context and the response carries the state it settled in.
func (h *Handler) GateRetry(w http.ResponseWriter, r *http.Request) {
	st := h.gate.Status()
	if !st.State.Retryable() {
		WriteProblem(w, r, http.StatusConflict, fmt.Sprintf("Gate is %s and cannot be retried", st.State))
		return
	}
	writeJSON(w, http.StatusOK, h.gate.Retry(r.Context()))
}

// SyncNow handles POST /api/v1/sync
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if h.kicker == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Background sync is not running")
		return
	}
	h.kicker.Kick()
	writeJSON(w, http.StatusAccepted, types.SyncAccepted{Status: "queued"})
}

// Pending handles GET /api/v1/sync/pending
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	counts, err := h.reg.PendingCounts(r.Context())
	if err != nil {
		slog.Error("pending counts failed", "component", "api", "error", err)
		MapStoreError(w, r, err)
		return
	}

	resp := types.PendingResponse{Entities: make([]types.PendingEntity, 0, len(counts))}
	for _, c := range counts {
		resp.Entities = append(resp.Entities, types.PendingEntity{
			Entity:  c.Entity,
			Pending: c.Pending,
			Errored: c.Errored,
		})
		resp.Total += c.Pending
	}
	writeJSON(w, http.StatusOK, resp)
}

// List handles GET /api/v1/entities/{entity}. Query parameters other than
// q, limit and offset filter on equal column values.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	d := MustDAOFromContext(r.Context())
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 1 {
		WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		WriteProblem(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	opts := dao.ListOptions{Search: q.Get("q"), Limit: limit, Offset: offset}
	for key, vals := range q {
		switch key {
		case "q", "limit", "offset":
			continue
		}
		if opts.Where == nil {
			opts.Where = make(map[string]any)
		}
		opts.Where[key] = vals[0]
	}

	recs, err := d.List(r.Context(), opts)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if recs == nil {
		recs = []entity.Record{}
	}
	writeJSON(w, http.StatusOK, types.ListResponse{
		Entity: d.Schema().Name,
		Items:  recs,
		Count:  len(recs),
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/v1/entities/{entity}/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	d := MustDAOFromContext(r.Context())
	rec, err := d.GetByID(r.Context(), d.Schema().ParseID(chi.URLParam(r, "id")))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Create handles POST /api/v1/entities/{entity}
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	d := MustDAOFromContext(r.Context())
	s := d.Schema()

	var req types.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if errs := validation.ValidateCreate(h.reg.Catalog(), s, req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	rec := entity.Record{Fields: req.Fields}
	if req.ID != "" {
		rec.ID = s.ParseID(req.ID)
	}
	for name, list := range req.Children {
		if rec.Children == nil {
			rec.Children = make(map[string][]entity.Record, len(req.Children))
		}
		for _, fields := range list {
			rec.Children[name] = append(rec.Children[name], entity.Record{Fields: fields})
		}
	}

	created, err := d.InsertLocal(r.Context(), rec)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("record created",
		"component", "api",
		"action", "create",
		"entity", s.Name,
		"id", created.ID.String(),
	)
	h.kick()
	w.Header().Set("Location", r.URL.Path+"/"+created.ID.String())
	writeJSON(w, http.StatusCreated, created)
}

// Update handles PATCH /api/v1/entities/{entity}/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	d := MustDAOFromContext(r.Context())
	id := d.Schema().ParseID(chi.URLParam(r, "id"))

	var req types.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if len(req.Fields) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "fields must not be empty")
		return
	}
	if errs := validation.ValidateFields(d.Schema(), "", req.Fields, false); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	if err := d.MarkPendingUpdate(r.Context(), id, req.Fields); err != nil {
		MapStoreError(w, r, err)
		return
	}
	rec, err := d.GetByID(r.Context(), id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("record updated",
		"component", "api",
		"action", "update",
		"entity", d.Schema().Name,
		"id", id.String(),
	)
	h.kick()
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/v1/entities/{entity}/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	d := MustDAOFromContext(r.Context())
	id := d.Schema().ParseID(chi.URLParam(r, "id"))

	if err := d.MarkPendingDelete(r.Context(), id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("record deleted",
		"component", "api",
		"action", "delete",
		"entity", d.Schema().Name,
		"id", id.String(),
	)
	h.kick()
	w.WriteHeader(http.StatusNoContent)
}

// AddPayment handles POST /api/v1/entities/bills/{id}/payments
func (h *Handler) AddPayment(w http.ResponseWriter, r *http.Request) {
	d := MustDAOFromContext(r.Context())
	if d.Schema().Name != entity.Bills {
		WriteProblem(w, r, http.StatusNotFound, "Payments are only recorded against bills")
		return
	}
	id := d.Schema().ParseID(chi.URLParam(r, "id"))

	var req types.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if errs := validation.ValidatePayment(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	bill, err := h.reg.Bills().AddPayment(r.Context(), id, req.Amount, req.Note)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("payment recorded",
		"component", "api",
		"action", "add_payment",
		"entity", entity.Bills,
		"id", id.String(),
		"amount", req.Amount,
	)
	h.kick()
	writeJSON(w, http.StatusCreated, bill)
}

// Metrics handles GET /api/v1/dashboard/metrics
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = defaultPeriod
	}

	cached, err := h.reg.Metrics().Get(r.Context(), dao.MetricsKey(period))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.MetricsResponse{
		Period:    period,
		Data:      cached.Payload,
		UpdatedAt: cached.UpdatedAt,
	})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
