package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/marketflow/fulfillment/internal/transaction/application"
	"github.com/marketflow/fulfillment/internal/transaction/domain"
)

type Handler struct {
	log     *slog.Logger
	service *application.Orchestrator
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Orchestrator) *Handler {
	return &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("transaction-http"),
	}
}

type submitReq struct {
	UserID string `json:"userId"`
	Lines  []struct {
		PositionID string          `json:"positionId"`
		Amount     decimal.Decimal `json:"amount"`
	} `json:"orderLine"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/transactions", h.submit)
	r.Get("/transactions/{id}", h.get)

	return r
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "SubmitTransaction")
	defer span.End()

	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	lines := make([]domain.OrderLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, domain.OrderLine{PositionID: l.PositionID, Amount: l.Amount})
	}

	traceparent := r.Header.Get("traceparent")
	if traceparent == "" {
		carrier := map[string]string{}
		otel.GetTextMapPropagator().Inject(ctx, propagationMapCarrier(carrier))
		traceparent = carrier["traceparent"]
	}

	id, err := h.service.Submit(ctx, req.UserID, lines, map[string]string{"source": "transaction-service"}, traceparent)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, domain.ErrUnknownUser) &&
			!errors.Is(err, domain.ErrNoOrderLines) &&
			!errors.Is(err, domain.ErrNonPositiveAmount) {
			status = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"transactionId": id,
		"status":        string(domain.StatusInProgress),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetTransaction")
	defer span.End()

	t, err := h.service.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type lineResp struct {
		PositionID      string          `json:"positionId"`
		Amount          decimal.Decimal `json:"amount"`
		PositionVersion int64           `json:"positionVersion"`
	}
	resp := struct {
		ID        string     `json:"id"`
		UserID    string     `json:"userId"`
		Status    string     `json:"status"`
		CreatedAt string     `json:"createdAt"`
		Lines     []lineResp `json:"orderLine"`
	}{
		ID:        t.ID,
		UserID:    t.UserID,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	for _, l := range t.Lines {
		resp.Lines = append(resp.Lines, lineResp{PositionID: l.PositionID, Amount: l.Amount, PositionVersion: l.PositionVersion})
	}
	_ = json.NewEncoder(w).Encode(resp)
}

type propagationMapCarrier map[string]string

func (c propagationMapCarrier) Get(key string) string { return c[key] }
func (c propagationMapCarrier) Set(key, val string)   { c[key] = val }
func (c propagationMapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
