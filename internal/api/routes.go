package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Mount registers the API routes on r. Reads are public; every mutation
// passes through authn, which must place the caller in the request context.
func (h *Handlers) Mount(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Get("/strategies", h.ListStrategies)
	r.Get("/strategies/next-id", h.NextStrategyID)
	r.Get("/strategies/{strategyID}", h.GetStrategy)
	r.Get("/strategies/{strategyID}/hedge", h.GetHedge)
	r.Get("/positions/{user}", h.PositionsOf)
	r.Get("/custody/{account}", h.Custody)
	r.Get("/executions/{eventKey}", h.GetReport)

	r.Group(func(r chi.Router) {
		r.Use(authn)

		r.Post("/strategies", h.CreateStrategy)
		r.Post("/strategies/{strategyID}/purchase", h.Purchase)
		r.Post("/strategies/{strategyID}/settle", h.Settle)
		r.Post("/strategies/{strategyID}/finalize", h.Finalize)
		r.Post("/strategies/{strategyID}/active", h.SetActive)
		r.Post("/strategies/{strategyID}/claim", h.Claim)
		r.Post("/strategies/{strategyID}/hedge/close", h.CloseHedge)

		r.Post("/custody/approve", h.Approve)
		r.Post("/custody/deposit", h.Deposit)
	})
}
