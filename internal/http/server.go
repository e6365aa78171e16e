package http

import (
	"net/http"
	"time"

	"FarmEscrow/internal/auth"
	"FarmEscrow/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, authn *auth.Authenticator, limiter *ratelimit.Limiter) *Server {
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

	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
			writeDomainError(w, err)
		}))
		r.Use(rateLimit(limiter))

		r.Get("/events", handler.Events)
		r.Get("/settlement/status", handler.SettlementStatus)

		r.Route("/escrows", func(r chi.Router) {
			r.Post("/", handler.CreateEscrow)
			r.Get("/", handler.ListEscrows)
			r.Route("/{escrowId}", func(r chi.Router) {
				r.Get("/", handler.GetEscrow)
				r.Get("/history", handler.GetHistory)
				r.Post("/accept", handler.Accept)
				r.Post("/deposit", handler.Deposit)
				r.Post("/mark-delivered", handler.MarkDelivered)
				r.Post("/confirm-delivery", handler.ConfirmDelivery)
				r.Post("/reject-delivery", handler.RejectDelivery)
			})
		})
	})

	return &Server{Router: r}
}

// rateLimit throttles per authenticated actor.
func rateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := auth.ActorFrom(r.Context())
			if !limiter.Allow(actor.ID, time.Now()) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
