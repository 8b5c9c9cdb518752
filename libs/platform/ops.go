package platform

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	"github.com/md-rashed-zaman/devicecloud/libs/saga"
)

// opsHandler exposes the operator view of the outbox and sagas. Every
// terminal failure the core produces can be found here.
type opsHandler struct {
	relay  *outbox.Relay
	coord  *saga.Coordinator
	logger *slog.Logger
}

func (h *opsHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ops/outbox/backlog", h.backlog)
	mux.HandleFunc("GET /ops/outbox/failed", h.failed)
	mux.HandleFunc("GET /ops/outbox/{id}", h.message)
	mux.HandleFunc("POST /ops/outbox/{id}/requeue", h.requeue)
	if h.coord != nil {
		mux.HandleFunc("GET /ops/sagas", h.sagas)
		mux.HandleFunc("GET /ops/sagas/{id}", h.saga)
	}
}

type backlogResponse struct {
	Pending          int64   `json:"pending"`
	Failed           int64   `json:"failed"`
	OldestPendingAt  string  `json:"oldest_pending_at,omitempty"`
	OldestAgeSeconds float64 `json:"oldest_age_seconds"`
}

func (h *opsHandler) backlog(w http.ResponseWriter, r *http.Request) {
	b, err := h.relay.Backlog(r.Context())
	if err != nil {
		h.internalError(w, r, "outbox backlog", err)
		return
	}
	resp := backlogResponse{Pending: b.Pending, Failed: b.Failed, OldestAgeSeconds: b.OldestAge.Seconds()}
	if b.OldestPending != nil {
		resp.OldestPendingAt = b.OldestPending.UTC().Format(time.RFC3339Nano)
	}
	WriteJSON(w, http.StatusOK, resp)
}

type messageView struct {
	ID            string            `json:"id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type,omitempty"`
	EventType     string            `json:"event_type"`
	RoutingKey    string            `json:"routing_key"`
	Status        string            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt string            `json:"next_attempt_at"`
	CreatedAt     string            `json:"created_at"`
	DeliveredAt   string            `json:"delivered_at,omitempty"`
	TraceContext  map[string]string `json:"trace_context,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

func viewMessage(m outbox.Message) messageView {
	v := messageView{
		ID:            m.ID,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		EventType:     m.EventType,
		RoutingKey:    m.RoutingKey,
		Status:        string(m.Status),
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		NextAttemptAt: m.NextAttemptAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		TraceContext:  m.TraceContext,
		Payload:       m.Payload,
	}
	if m.DeliveredAt != nil {
		v.DeliveredAt = m.DeliveredAt.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func (h *opsHandler) failed(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.relay.Failed(r.Context(), queryLimit(r))
	if err != nil {
		h.internalError(w, r, "failed outbox messages", err)
		return
	}
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, viewMessage(m))
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *opsHandler) message(w http.ResponseWriter, r *http.Request) {
	m, err := h.relay.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, outbox.ErrMessageNotFound) {
		http.Error(w, "outbox message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, "outbox message", err)
		return
	}
	WriteJSON(w, http.StatusOK, viewMessage(m))
}

func (h *opsHandler) requeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.relay.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, outbox.ErrMessageNotFound):
		http.Error(w, "outbox message not found", http.StatusNotFound)
	case errors.Is(err, outbox.ErrNotFailed):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		h.internalError(w, r, "requeue outbox message", err)
	default:
		WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(outbox.StatusPending)})
	}
}

type stepView struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Compensation string `json:"compensation,omitempty"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error,omitempty"`
	TimeoutAt    string `json:"timeout_at,omitempty"`
}

type sagaView struct {
	ID          string                     `json:"id"`
	Type        string                     `json:"type"`
	Status      string                     `json:"status"`
	CurrentStep int                        `json:"current_step"`
	LastError   string                     `json:"last_error,omitempty"`
	StartedAt   string                     `json:"started_at"`
	UpdatedAt   string                     `json:"updated_at"`
	TimeoutAt   string                     `json:"timeout_at"`
	CompletedAt string                     `json:"completed_at,omitempty"`
	Input       json.RawMessage            `json:"input,omitempty"`
	Outputs     map[string]json.RawMessage `json:"outputs,omitempty"`
	Steps       []stepView                 `json:"steps"`
}

// ViewSaga is the JSON shape sagas are served in.
func ViewSaga(inst saga.Instance) any {
	v := sagaView{
		ID:          inst.ID,
		Type:        inst.Type,
		Status:      string(inst.Status),
		CurrentStep: inst.CurrentStep,
		LastError:   inst.LastError,
		StartedAt:   inst.StartedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   inst.UpdatedAt.UTC().Format(time.RFC3339Nano),
		TimeoutAt:   inst.TimeoutAt.UTC().Format(time.RFC3339Nano),
		Input:       inst.Data.Input,
		Outputs:     inst.Data.Outputs,
		Steps:       make([]stepView, 0, len(inst.Steps)),
	}
	if inst.CompletedAt != nil {
		v.CompletedAt = inst.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, s := range inst.Steps {
		sv := stepView{
			Index:        s.Index,
			Name:         s.Name,
			Status:       string(s.Status),
			Compensation: s.CompensationAction,
			Attempts:     s.Attempts,
			LastError:    s.LastError,
		}
		if s.TimeoutAt != nil {
			sv.TimeoutAt = s.TimeoutAt.UTC().Format(time.RFC3339Nano)
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

func (h *opsHandler) sagas(w http.ResponseWriter, r *http.Request) {
	var status saga.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := saga.ParseStatus(raw)
		if !ok {
			http.Error(w, "unknown saga status", http.StatusBadRequest)
			return
		}
		status = st
	}
	insts, err := h.coord.List(r.Context(), status, queryLimit(r))
	if err != nil {
		h.internalError(w, r, "list sagas", err)
		return
	}
	out := make([]any, 0, len(insts))
	for _, inst := range insts {
		out = append(out, ViewSaga(inst))
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *opsHandler) saga(w http.ResponseWriter, r *http.Request) {
	inst, err := h.coord.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, saga.ErrSagaNotFound) {
		http.Error(w, "saga not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, "get saga", err)
		return
	}
	WriteJSON(w, http.StatusOK, ViewSaga(inst))
}

func (h *opsHandler) internalError(w http.ResponseWriter, r *http.Request, what string, err error) {
	h.logger.ErrorContext(r.Context(), what+" failed", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 100
	}
	return min(n, 500)
}

// WriteJSON writes v as the response body with status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
