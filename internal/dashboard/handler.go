// Package dashboard serves the front-desk HTTP API: schedule views, the
// appointment commands that feed the action queue, and sync status.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/barber-sync/internal/appointments"
	"github.com/wolfman30/barber-sync/internal/notices"
	"github.com/wolfman30/barber-sync/internal/schedule"
	"github.com/wolfman30/barber-sync/internal/syncengine"
	"github.com/wolfman30/barber-sync/internal/syncqueue"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

const maxBodyBytes = 1 << 20

// Queue is the command side: enqueue operations plus queue inspection.
type Queue interface {
	EnqueueCreate(ctx context.Context, draft appointments.Draft) (appointments.Appointment, error)
	EnqueueUpdate(ctx context.Context, id string, patch appointments.Patch) (appointments.Appointment, error)
	EnqueueDelete(ctx context.Context, id string) error
	Counts(ctx context.Context) (syncqueue.Counts, error)
	List(ctx context.Context) ([]syncqueue.Action, error)
}

// Syncer exposes the engine's state and the manual Sync Now.
type Syncer interface {
	Status() syncengine.Status
	SyncNow(ctx context.Context) (syncengine.Result, error)
}

// Exporter produces a snapshot on demand.
type Exporter interface {
	Enabled() bool
	Upload(ctx context.Context) (string, error)
	WriteJSON(ctx context.Context, w io.Writer) error
}

// Handler provides HTTP endpoints for the front-desk dashboard.
type Handler struct {
	queue    Queue
	syncer   Syncer
	mirror   *schedule.Mirror
	notices  *notices.Hub
	exporter Exporter
	logger   *logging.Logger
	now      func() time.Time
}

// Option customises a Handler.
type Option func(*Handler)

func WithExporter(e Exporter) Option { return func(h *Handler) { h.exporter = e } }

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler creates a dashboard handler.
func NewHandler(queue Queue, syncer Syncer, mirror *schedule.Mirror, hub *notices.Hub, logger *logging.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		queue:   queue,
		syncer:  syncer,
		mirror:  mirror,
		notices: hub,
		logger:  logger.Component("dashboard"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the read-only endpoints.
// Expected to be mounted under /api/v1.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/schedule/next", h.nextAppointment)
	r.Get("/schedule/today", h.todaySchedule)
	r.Get("/appointments", h.listAppointments)
	r.Get("/sync/status", h.syncStatus)
	r.Get("/sync/actions", h.listActions)
	r.Get("/ws/notices", h.HandleNotices)
}

// RegisterCommandRoutes mounts the endpoints that change state.
func (h *Handler) RegisterCommandRoutes(r chi.Router) {
	r.Post("/appointments", h.createAppointment)
	r.Patch("/appointments/{id}", h.updateAppointment)
	r.Delete("/appointments/{id}", h.deleteAppointment)
	r.Post("/sync", h.syncNow)
	r.Post("/export", h.export)
}

// Badge values shown next to each appointment.
const (
	BadgeOffline   = "offline"
	BadgeConfirmed = "confirmed"
)

type scheduleItem struct {
	appointments.Appointment
	Badge string `json:"badge"`
}

func toItem(a appointments.Appointment) scheduleItem {
	badge := BadgeConfirmed
	if a.IsOfflineCreated || a.IsLocal() {
		badge = BadgeOffline
	}
	return scheduleItem{Appointment: a, Badge: badge}
}

func toItems(list []appointments.Appointment) []scheduleItem {
	out := make([]scheduleItem, 0, len(list))
	for _, a := range list {
		out = append(out, toItem(a))
	}
	return out
}

func (h *Handler) nextAppointment(w http.ResponseWriter, r *http.Request) {
	next, ok := h.mirror.Next(h.now())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"appointment": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointment": toItem(next)})
}

func (h *Handler) todaySchedule(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	items := toItems(h.mirror.Today(now))
	writeJSON(w, http.StatusOK, map[string]any{
		"date":         now.In(h.mirror.Location()).Format("2006-01-02"),
		"appointments": items,
		"count":        len(items),
	})
}

func (h *Handler) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter appointments.Filter
	if d := q.Get("date"); d != "" {
		day, err := time.ParseInLocation("2006-01-02", d, h.mirror.Location())
		if err != nil {
			http.Error(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.Day = &day
	}
	filter.StaffID = q.Get("staff_id")
	if s := q.Get("status"); s != "" {
		status := appointments.Status(s)
		if !status.Valid() {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	items := toItems(h.mirror.Filter(filter))
	writeJSON(w, http.StatusOK, map[string]any{
		"appointments": items,
		"count":        len(items),
	})
}

func (h *Handler) createAppointment(w http.ResponseWriter, r *http.Request) {
	var draft appointments.Draft
	if err := decodeBody(r, &draft); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	appt, err := h.queue.EnqueueCreate(r.Context(), draft)
	if err != nil {
		h.writeCommandError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"appointment": toItem(appt)})
}

func (h *Handler) updateAppointment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch appointments.Patch
	if err := decodeBody(r, &patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	appt, err := h.queue.EnqueueUpdate(r.Context(), id, patch)
	if err != nil {
		h.writeCommandError(w, "update", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"appointment": toItem(appt)})
}

func (h *Handler) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.EnqueueDelete(r.Context(), id); err != nil {
		h.writeCommandError(w, "delete", err)
		return
	}
	resp := map[string]any{"id": id, "pending_delete": true}
	if appt, ok := h.mirror.Get(id); ok {
		resp["appointment"] = toItem(appt)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type statusResponse struct {
	Pending        int                `json:"pending"`
	Syncing        int                `json:"syncing"`
	Failed         int                `json:"failed"`
	LastSync       string             `json:"last_sync,omitempty"`
	LastSyncText   string             `json:"last_sync_text"`
	Draining       bool               `json:"draining"`
	SyncNowEnabled bool               `json:"sync_now_enabled"`
	Online         bool               `json:"online"`
	Degraded       bool               `json:"degraded"`
	LastResult     *syncengine.Result `json:"last_result,omitempty"`
	Notices        []notices.Notice   `json:"notices"`
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		h.logger.Error("dashboard: queue counts", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	st := h.syncer.Status()
	resp := statusResponse{
		Pending:        counts.Pending,
		Syncing:        counts.Syncing,
		Failed:         counts.Failed,
		LastSyncText:   RelativeTime(st.LastSyncAt, h.now()),
		Draining:       st.Draining,
		SyncNowEnabled: !st.Draining,
		Online:         st.Online,
		Degraded:       st.Degraded,
		LastResult:     st.LastResult,
		Notices:        h.notices.Recent(5),
	}
	if !st.LastSyncAt.IsZero() {
		resp.LastSync = st.LastSyncAt.UTC().Format(time.RFC3339)
	}
	if resp.Notices == nil {
		resp.Notices = []notices.Notice{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.queue.List(r.Context())
	if err != nil {
		h.logger.Error("dashboard: list actions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": actions,
		"count":   len(actions),
	})
}

func (h *Handler) syncNow(w http.ResponseWriter, r *http.Request) {
	// the drain outlives a client that hangs up mid-request
	res, err := h.syncer.SyncNow(context.WithoutCancel(r.Context()))
	if errors.Is(err, syncengine.ErrDrainInProgress) {
		http.Error(w, "sync already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("dashboard: sync now", "error", err)
		http.Error(w, "sync failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		http.Error(w, "export not configured", http.StatusNotImplemented)
		return
	}
	if !h.exporter.Enabled() {
		w.Header().Set("Content-Type", "application/json")
		if err := h.exporter.WriteJSON(r.Context(), w); err != nil {
			h.logger.Error("dashboard: export snapshot", "error", err)
		}
		return
	}
	key, err := h.exporter.Upload(r.Context())
	if err != nil {
		h.logger.Error("dashboard: export upload", "error", err)
		http.Error(w, "export failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key})
}

func (h *Handler) writeCommandError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, appointments.ErrInvalidDraft), errors.Is(err, syncqueue.ErrEmptyPatch):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, syncqueue.ErrAppointmentNotFound):
		http.Error(w, "appointment not found", http.StatusNotFound)
	case errors.Is(err, syncqueue.ErrAppointmentDeleted):
		http.Error(w, "appointment is pending deletion", http.StatusConflict)
	default:
		h.logger.Error("dashboard: "+op+" appointment", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// RelativeTime renders t relative to now, e.g. "3 minutes ago".
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
