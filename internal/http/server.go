package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ninjadotorg/coin-exchange-backend/internal/auth"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, secrets auth.SecretSource) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/exchange", func(r chi.Router) {
		r.Get("/quote", handler.GetQuote)
		r.Get("/quote/reverse", handler.GetReverseQuote)

		r.Group(func(r chi.Router) {
			r.Use(auth.Require2FA(secrets))
			r.Post("/orders", handler.CreateOrder)
		})
		r.Get("/orders", handler.ListOrders)
		r.Get("/orders/{orderId}", handler.GetOrder)
		r.Post("/orders/{orderId}/confirm", handler.ConfirmOrder)
		r.Post("/orders/{orderId}/cancel", handler.CancelOrder)

		r.Get("/addresses", handler.GetDepositAddress)
		r.Get("/limits", handler.GetLimits)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/orders/{orderId}/reject", handler.RejectOrder)
		r.Post("/orders/{orderId}/fiat-transfer", handler.StartFiatTransfer)
		r.Post("/orders/{orderId}/transfer", handler.StartTransfer)
		r.Post("/orders/{orderId}/complete-transfer", handler.CompleteTransfer)
		r.Post("/orders/{orderId}/settle", handler.SettleOrder)
		r.Post("/orders/{orderId}/fail", handler.FailTransfer)

		r.Post("/users/{userId}/verification-approved", handler.VerificationApproved)
		r.Post("/users/{userId}/limits/{currency}/reset", handler.ResetLimitUsage)

		r.Post("/referrals/{referralId}/paid", handler.MarkReferralPaid)
		r.Post("/referrals/{referralId}/rejected", handler.MarkReferralRejected)
	})

	r.Route("/system", func(r chi.Router) {
		r.Get("/rates", handler.GetRates)
		r.Post("/rates/refresh", handler.RefreshRates)
	})

	return &Server{Router: r}
}
