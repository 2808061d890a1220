package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/core/service"
	"github.com/rl1809/lottery-saga/internal/logger"
)

const (
	headerUserID  = "X-User-ID"
	headerTraceID = "X-Trace-ID"

	defaultSuggestCount = 5
	maxSuggestCount     = 100
)

// HealthChecker reports a degraded dependency that does not stop the process.
type HealthChecker interface {
	Degraded() bool
}

// HTTPHandler serves the draw routes when draws is set and the order routes when orders is set.
type HTTPHandler struct {
	draws     *service.DrawService
	orders    *service.OrderService
	scheduler HealthChecker
}

type APIResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Data        any    `json:"data,omitempty"`
	Unavailable []int  `json:"unavailable,omitempty"`
}

type CreateDrawHTTPRequest struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	MinNumber     int             `json:"min_number"`
	MaxNumber     int             `json:"max_number"`
	TotalSeries   int             `json:"total_series"`
	TicketPrice   decimal.Decimal `json:"ticket_price"`
	MaxPerRequest int             `json:"max_per_request"`
}

type DrawView struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	MinNumber     int             `json:"min_number"`
	MaxNumber     int             `json:"max_number"`
	TotalSeries   int             `json:"total_series"`
	TicketPrice   decimal.Decimal `json:"ticket_price"`
	MaxPerRequest int             `json:"max_per_request"`
	CreatedAt     time.Time       `json:"created_at"`
}

type ReserveHTTPRequest struct {
	UserID          string `json:"user_id"`
	Series          int    `json:"series"`
	Numbers         []int  `json:"numbers"`
	OrderID         string `json:"order_id"`
	GiftRecipientID string `json:"gift_recipient_id"`
}

type ReservationView struct {
	OrderID       string          `json:"order_id"`
	DrawID        string          `json:"draw_id"`
	Series        int             `json:"series"`
	Numbers       []int           `json:"numbers"`
	NumberIDs     []string        `json:"number_ids"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	ExpiresAt     time.Time       `json:"expires_at"`
	AddToExisting bool            `json:"add_to_existing"`
}

type CompleteHTTPRequest struct {
	TransactionID string `json:"transaction_id"`
}

type CancelHTTPRequest struct {
	Reason string `json:"reason"`
}

type OrderLineView struct {
	NumberID  string          `json:"number_id"`
	Number    int             `json:"number"`
	Series    int             `json:"series"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type OrderView struct {
	OrderID         string          `json:"order_id"`
	UserID          string          `json:"user_id"`
	DrawID          string          `json:"draw_id"`
	Status          string          `json:"status"`
	ExpiresAt       time.Time       `json:"expires_at"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Lines           []OrderLineView `json:"lines"`
	GiftRecipientID string          `json:"gift_recipient_id,omitempty"`
	TicketID        string          `json:"ticket_id,omitempty"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type TicketView struct {
	TicketID      string          `json:"ticket_id"`
	OrderID       string          `json:"order_id"`
	DrawID        string          `json:"draw_id"`
	Number        int             `json:"number"`
	Series        int             `json:"series"`
	OwnerID       string          `json:"owner_id"`
	PurchaserID   string          `json:"purchaser_id"`
	Gift          bool            `json:"gift"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Status        string          `json:"status"`
	PurchasedAt   time.Time       `json:"purchased_at"`
}

func NewHTTPHandler(draws *service.DrawService, orders *service.OrderService, scheduler HealthChecker) *HTTPHandler {
	return &HTTPHandler{draws: draws, orders: orders, scheduler: scheduler}
}

// Routes builds the mux for the services this process runs.
func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	if h.draws != nil {
		mux.HandleFunc("POST /api/draws", h.CreateDraw)
		mux.HandleFunc("GET /api/draws/{id}", h.GetDraw)
		mux.HandleFunc("DELETE /api/draws/{id}", h.DeleteDraw)
		mux.HandleFunc("POST /api/draws/{id}/reservations", h.Reserve)
		mux.HandleFunc("GET /api/draws/{id}/suggestions", h.Suggest)
	}
	if h.orders != nil {
		mux.HandleFunc("GET /api/orders", h.ListOrders)
		mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
		mux.HandleFunc("POST /api/orders/{id}/complete", h.CompleteOrder)
		mux.HandleFunc("POST /api/orders/{id}/cancel", h.CancelOrder)
		mux.HandleFunc("GET /api/tickets", h.ListTickets)
	}
	return withTrace(mux)
}

func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(headerTraceID)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(headerTraceID, traceID)
		next.ServeHTTP(w, r.WithContext(logger.WithTraceID(r.Context(), traceID)))
	})
}

func (h *HTTPHandler) CreateDraw(w http.ResponseWriter, r *http.Request) {
	var req CreateDrawHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Message: "invalid request body"})
		return
	}

	draw, err := h.draws.CreateDraw(r.Context(), domain.Draw{
		ID:            req.ID,
		Title:         req.Title,
		MinNumber:     req.MinNumber,
		MaxNumber:     req.MaxNumber,
		TotalSeries:   req.TotalSeries,
		TicketPrice:   req.TicketPrice,
		MaxPerRequest: req.MaxPerRequest,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Message: "draw created", Data: toDrawView(*draw)})
}

func (h *HTTPHandler) GetDraw(w http.ResponseWriter, r *http.Request) {
	draw, err := h.draws.GetDraw(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "ok", Data: toDrawView(*draw)})
}

func (h *HTTPHandler) DeleteDraw(w http.ResponseWriter, r *http.Request) {
	if err := h.draws.DeleteDraw(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "draw deleted"})
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Message: "invalid request body"})
		return
	}
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		userID = req.UserID
	}

	res, err := h.draws.Reserve(r.Context(), service.ReserveRequest{
		DrawID:          r.PathValue("id"),
		UserID:          userID,
		Series:          req.Series,
		Numbers:         req.Numbers,
		OrderID:         req.OrderID,
		GiftRecipientID: req.GiftRecipientID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Message: "numbers reserved",
		Data: ReservationView{
			OrderID:       res.OrderID,
			DrawID:        res.DrawID,
			Series:        res.Series,
			Numbers:       res.Numbers,
			NumberIDs:     res.NumberIDs,
			TotalAmount:   res.TotalAmount,
			ExpiresAt:     res.ExpiresAt,
			AddToExisting: res.AddToExisting,
		},
	})
}

func (h *HTTPHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	count := defaultSuggestCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSuggestCount {
			writeJSON(w, http.StatusBadRequest, APIResponse{Message: "count must be between 1 and 100"})
			return
		}
		count = n
	}

	combos, err := h.draws.Suggest(r.Context(), r.PathValue("id"), count)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "ok", Data: combos})
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	orders, err := h.orders.ListOrders(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toOrderView(o))
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "ok", Data: views})
}

func (h *HTTPHandler) ListTickets(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	tickets, err := h.orders.ListTickets(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]TicketView, 0, len(tickets))
	for _, tk := range tickets {
		views = append(views, TicketView{
			TicketID:      tk.TicketID,
			OrderID:       tk.OrderID,
			DrawID:        tk.DrawID,
			Number:        tk.Number,
			Series:        tk.Series,
			OwnerID:       tk.OwnerID,
			PurchaserID:   tk.PurchaserID,
			Gift:          tk.Gift,
			Amount:        tk.Amount,
			TransactionID: tk.TransactionID,
			Status:        string(tk.Status),
			PurchasedAt:   tk.PurchasedAt,
		})
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "ok", Data: views})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "ok", Data: toOrderView(*order)})
}

func (h *HTTPHandler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req CompleteHTTPRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Message: "invalid request body"})
			return
		}
	}

	order, err := h.orders.CompleteOrder(r.Context(), r.PathValue("id"), userID, req.TransactionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "order completed", Data: toOrderView(*order)})
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req CancelHTTPRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Message: "invalid request body"})
			return
		}
	}

	order, err := h.orders.CancelOrder(r.Context(), r.PathValue("id"), userID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "order cancelled", Data: toOrderView(*order)})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if h.scheduler != nil && h.scheduler.Degraded() {
		body["scheduler"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, APIResponse{Message: "missing " + headerUserID + " header"})
		return "", false
	}
	return userID, true
}

// writeError maps domain errors to status codes; anything unknown is a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, APIResponse{Message: "numbers not available", Unavailable: conflict.Unavailable})
	case errors.Is(err, domain.ErrExpiredState):
		writeJSON(w, http.StatusGone, APIResponse{Message: domain.ErrExpiredState.Error()})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, APIResponse{Message: "forbidden"})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, APIResponse{Message: "not found"})
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, APIResponse{Message: err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStaleTransition):
		writeJSON(w, http.StatusConflict, APIResponse{Message: err.Error()})
	default:
		logger.ErrorCtx(r.Context(), "request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, APIResponse{Message: "internal error"})
	}
}

func toDrawView(d domain.Draw) DrawView {
	return DrawView{
		ID:            d.ID,
		Title:         d.Title,
		MinNumber:     d.MinNumber,
		MaxNumber:     d.MaxNumber,
		TotalSeries:   d.TotalSeries,
		TicketPrice:   d.TicketPrice,
		MaxPerRequest: d.MaxPerRequest,
		CreatedAt:     d.CreatedAt,
	}
}

func toOrderView(o domain.Order) OrderView {
	lines := make([]OrderLineView, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, OrderLineView{NumberID: l.NumberID, Number: l.Number, Series: l.Series, UnitPrice: l.UnitPrice})
	}
	return OrderView{
		OrderID:         o.OrderID,
		UserID:          o.UserID,
		DrawID:          o.DrawID,
		Status:          string(o.Status),
		ExpiresAt:       o.ExpiresAt,
		TotalAmount:     o.TotalAmount,
		Lines:           lines,
		GiftRecipientID: o.GiftRecipientID,
		TicketID:        o.TicketID,
		TransactionID:   o.TransactionID,
		CancelReason:    o.CancelReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
