package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/megabot-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.RequestID)
	r.Use(custommiddleware.GzipRequest)
	r.Use(chimw.Compress(5))
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/auth/validate", h.ValidateAuth)

			r.Route("/user", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/transactions", h.GetTransactions)
				r.Get("/payments", h.GetPayments)
				r.With(custommiddleware.RateLimit(h.limiter, h.logger)).Post("/topup", h.Topup)
			})

			r.Route("/premium", func(r chi.Router) {
				r.Get("/plans", h.GetPremiumPlans)
				r.Get("/status", h.GetPremiumStatus)
				r.With(custommiddleware.RateLimit(h.limiter, h.logger)).Post("/purchase", h.PurchasePremium)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(custommiddleware.RequireAdmin(h.service))

				r.Get("/payments/pending", h.GetPendingPayments)
				r.Post("/payments/{id}/approve", h.ApprovePayment)
				r.Post("/payments/{id}/reject", h.RejectPayment)
				r.Get("/payments/{id}/receipt", h.GetReceipt)

				r.Get("/users", h.GetUsers)
				r.Post("/users/{id}/balance", h.GrantBalance)
				r.Post("/users/{id}/premium", h.GrantPremium)

				r.Get("/stats", h.GetStats)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
