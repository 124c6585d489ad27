package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ninjadotorg/coin-exchange-backend/internal/exchange"
	"github.com/ninjadotorg/coin-exchange-backend/internal/limits"
	"github.com/ninjadotorg/coin-exchange-backend/internal/models"
	"github.com/ninjadotorg/coin-exchange-backend/internal/payments"
	"github.com/ninjadotorg/coin-exchange-backend/internal/quote"
	"github.com/ninjadotorg/coin-exchange-backend/internal/rates"
	"github.com/ninjadotorg/coin-exchange-backend/internal/referral"
	"github.com/ninjadotorg/coin-exchange-backend/internal/tracking"
)

// UserStore is the slice of the store the HTTP layer reads directly.
type UserStore interface {
	SetUserLevel(ctx context.Context, userID string, level int) error
	UserLimits(ctx context.Context, userID string) ([]*models.UserLimit, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error)
}

type Handler struct {
	Orders    *exchange.Service
	Quotes    *quote.Engine
	Limits    *limits.Policy
	Tracking  *tracking.Registry
	Rates     *rates.Cache
	Referrals *referral.Service
	Users     UserStore

	// PriceCurrencies are the cryptos quoted, FiatCurrencies the local
	// currencies served by /system/rates.
	PriceCurrencies []string
	FiatCurrencies  []string
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, exchange.ErrMissingUserID):
		return http.StatusUnauthorized, "missing user id"
	case errors.Is(err, exchange.ErrBelowMinimumAmount):
		return http.StatusBadRequest, "amount below minimum"
	case errors.Is(err, payments.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid amount"
	case errors.Is(err, quote.ErrUnknownDirection):
		return http.StatusBadRequest, "unknown direction"
	case errors.Is(err, limits.ErrLimitExceeded):
		return http.StatusBadRequest, "user limit exceeded"
	case errors.Is(err, limits.ErrUnknownLevel):
		return http.StatusPreconditionFailed, "no limit configured for level"
	case errors.Is(err, rates.ErrStaleData):
		return http.StatusServiceUnavailable, "rates unavailable"
	case errors.Is(err, exchange.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, tracking.ErrAddressAlreadyBound):
		return http.StatusConflict, "address already bound to another order"
	case errors.Is(err, exchange.ErrMissingTxHash):
		return http.StatusConflict, "transaction hash missing"
	case errors.Is(err, exchange.ErrPaymentNotMatched):
		return http.StatusConflict, "payment not matched"
	case errors.Is(err, tracking.ErrAddressNotFound), errors.Is(err, pgx.ErrNoRows):
		return http.StatusNotFound, "not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	writeError(w, status, msg)
}

// Quotes

type quoteResponse struct {
	Direction          string `json:"direction"`
	Currency           string `json:"currency"`
	Amount             string `json:"amount"`
	FiatCurrency       string `json:"fiatCurrency"`
	FiatAmount         string `json:"fiatAmount"`
	FiatAmountCOD      string `json:"fiatAmountCod,omitempty"`
	FiatLocalCurrency  string `json:"fiatLocalCurrency"`
	FiatLocalAmount    string `json:"fiatLocalAmount"`
	FiatLocalAmountCOD string `json:"fiatLocalAmountCod,omitempty"`
	Price              string `json:"price"`
}

func quoteToResponse(q *models.Quote) quoteResponse {
	resp := quoteResponse{
		Direction:         string(q.Direction),
		Currency:          q.Currency,
		Amount:            q.Amount.String(),
		FiatCurrency:      q.FiatCurrency,
		FiatAmount:        q.FiatAmount.String(),
		FiatLocalCurrency: q.FiatLocalCurrency,
		FiatLocalAmount:   q.FiatLocalAmount.String(),
		Price:             q.Price.String(),
	}
	if !q.FiatAmountCOD.IsZero() {
		resp.FiatAmountCOD = q.FiatAmountCOD.String()
		resp.FiatLocalAmountCOD = q.FiatLocalAmountCOD.String()
	}
	return resp
}

func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	req, err := quoteRequestFromQuery(r, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := h.Quotes.Get(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteToResponse(q))
}

func (h *Handler) GetReverseQuote(w http.ResponseWriter, r *http.Request) {
	req, err := quoteRequestFromQuery(r, "fiat_local_amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := h.Quotes.GetReverse(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteToResponse(q))
}

func quoteRequestFromQuery(r *http.Request, amountParam string) (quote.Request, error) {
	qp := r.URL.Query()
	amount, err := decimal.NewFromString(qp.Get(amountParam))
	if err != nil {
		return quote.Request{}, errors.New("invalid " + amountParam)
	}
	fiatLocal := qp.Get("fiat_currency")
	if fiatLocal == "" {
		fiatLocal = rates.BaseCurrency
	}
	return quote.Request{
		Direction:         models.Direction(qp.Get("direction")),
		Currency:          qp.Get("currency"),
		Amount:            amount,
		FiatLocalCurrency: fiatLocal,
	}, nil
}

// Orders

type createOrderRequest struct {
	Direction         string `json:"direction"`
	Type              string `json:"type"`
	PaymentMethod     string `json:"paymentMethod"`
	Currency          string `json:"currency"`
	Amount            string `json:"amount"`
	FiatLocalCurrency string `json:"fiatLocalCurrency"`
	Address           string `json:"address"`
}

type orderResponse struct {
	OrderID           string `json:"orderId"`
	Status            string `json:"status"`
	Direction         string `json:"direction"`
	Type              string `json:"type"`
	PaymentMethod     string `json:"paymentMethod"`
	Currency          string `json:"currency"`
	Amount            string `json:"amount"`
	FiatCurrency      string `json:"fiatCurrency"`
	FiatAmount        string `json:"fiatAmount"`
	FiatLocalCurrency string `json:"fiatLocalCurrency"`
	FiatLocalAmount   string `json:"fiatLocalAmount"`
	Price             string `json:"price"`
	Address           string `json:"address,omitempty"`
	TxHash            string `json:"txHash,omitempty"`
	PaymentResult     string `json:"paymentResult,omitempty"`
	CreatedAt         string `json:"createdAt"`
	ExpiresAt         string `json:"expiresAt"`
}

func orderToResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:           order.ID,
		Status:            string(order.Status),
		Direction:         string(order.Direction),
		Type:              string(order.Type),
		PaymentMethod:     string(order.PaymentMethod),
		Currency:          order.Currency,
		Amount:            order.Amount.String(),
		FiatCurrency:      order.FiatCurrency,
		FiatAmount:        order.FiatAmount.String(),
		FiatLocalCurrency: order.FiatLocalCurrency,
		FiatLocalAmount:   order.FiatLocalAmount.String(),
		Price:             order.Price.String(),
		Address:           order.Address,
		CreatedAt:         order.CreatedAt.Format(time.RFC3339),
		ExpiresAt:         order.ExpiresAt.Format(time.RFC3339),
	}
	if order.TxHash != nil {
		resp.TxHash = *order.TxHash
	}
	if order.PaymentResult != nil {
		resp.PaymentResult = string(*order.PaymentResult)
	}
	return resp
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	order, err := h.Orders.CreateOrder(r.Context(), exchange.CreateOrderRequest{
		UserID:            r.Header.Get("X-User-Id"),
		Direction:         models.Direction(req.Direction),
		Type:              models.OrderType(req.Type),
		PaymentMethod:     models.PaymentMethod(req.PaymentMethod),
		Currency:          req.Currency,
		Amount:            amount,
		FiatLocalCurrency: req.FiatLocalCurrency,
		ReceiveAddress:    req.Address,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderToResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(order))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	orders, err := h.Users.ListOrdersByUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		resp = append(resp, orderToResponse(order))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.Orders.Confirm)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.Orders.Cancel)
}

func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.Orders.Reject)
}

func (h *Handler) StartFiatTransfer(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.Orders.StartFiatTransfer)
}

func (h *Handler) StartTransfer(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.Orders.StartTransfer)
}

func (h *Handler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.Orders.Settle)
}

func (h *Handler) FailTransfer(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.Orders.FailTransfer)
}

func (h *Handler) CompleteTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"txHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	order, err := h.Orders.CompleteTransfer(r.Context(), chi.URLParam(r, "orderId"), req.TxHash)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(order))
}

func (h *Handler) applyTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*models.Order, error)) {
	order, err := fn(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(order))
}

// Addresses

func (h *Handler) GetDepositAddress(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		writeError(w, http.StatusBadRequest, "missing currency")
		return
	}

	addr, existed, err := h.Tracking.GetOrCreateAddress(r.Context(), userID, currency)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  addr.Address,
		"currency": addr.Currency,
		"status":   string(addr.Status),
		"existed":  existed,
	})
}

// Limits

func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	userLimits, err := h.Users.UserLimits(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	type limitResponse struct {
		Currency string `json:"currency"`
		Limit    string `json:"limit"`
		Usage    string `json:"usage"`
		Level    int    `json:"level"`
	}
	resp := make([]limitResponse, 0, len(userLimits))
	for _, ul := range userLimits {
		resp = append(resp, limitResponse{
			Currency: ul.Currency,
			Limit:    ul.Limit.String(),
			Usage:    ul.Usage.String(),
			Level:    ul.Level,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) VerificationApproved(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level int `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Level <= 0 {
		writeError(w, http.StatusBadRequest, "invalid level")
		return
	}

	userID := chi.URLParam(r, "userId")
	if err := h.Users.SetUserLevel(r.Context(), userID, req.Level); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.Limits.UpdateLimitByLevel(r.Context(), userID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "level": req.Level})
}

func (h *Handler) ResetLimitUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	currency := chi.URLParam(r, "currency")
	if err := h.Limits.ResetUsage(r.Context(), userID, currency); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "currency": currency})
}

// Referrals

func (h *Handler) MarkReferralPaid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"txHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TxHash == "" {
		writeError(w, http.StatusBadRequest, "missing txHash")
		return
	}
	if err := h.Referrals.MarkPaid(r.Context(), chi.URLParam(r, "referralId"), req.TxHash); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paid"})
}

func (h *Handler) MarkReferralRejected(w http.ResponseWriter, r *http.Request) {
	if err := h.Referrals.MarkRejected(r.Context(), chi.URLParam(r, "referralId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// Rates

func (h *Handler) GetRates(w http.ResponseWriter, r *http.Request) {
	ratesOut := make(map[string]string)
	for _, currency := range h.FiatCurrencies {
		rate, err := h.Rates.Rate(currency)
		if err != nil {
			continue
		}
		ratesOut[currency] = rate.String()
	}

	type priceView struct {
		Buy  string `json:"buy"`
		Sell string `json:"sell"`
	}
	pricesOut := make(map[string]priceView)
	for _, currency := range h.PriceCurrencies {
		p, err := h.Rates.Price(currency)
		if err != nil {
			continue
		}
		pricesOut[currency] = priceView{Buy: p.Buy.String(), Sell: p.Sell.String()}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"base":   rates.BaseCurrency,
		"rates":  ratesOut,
		"prices": pricesOut,
	})
}

func (h *Handler) RefreshRates(w http.ResponseWriter, r *http.Request) {
	if err := h.Rates.RefreshRates(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "rate refresh failed")
		return
	}
	if err := h.Rates.RefreshPrices(r.Context(), h.PriceCurrencies); err != nil {
		writeError(w, http.StatusBadGateway, "price refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}
