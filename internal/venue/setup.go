package venue

import (
	"github.com/atmx/strategy-vault/internal/config"
)

// NewRegistryFromConfig registers one order venue and one hedge venue,
// simulated when paper mode is on.
func NewRegistryFromConfig(c config.VenuesConfig) *Registry {
	r := NewRegistry()
	if c.Paper {
		r.RegisterOrderVenue(NewPaperOrderVenue(c.Markets.Name))
		r.RegisterHedgeVenue(NewPaperHedgeVenue(c.Hedges.Name))
		return r
	}
	r.RegisterOrderVenue(NewHTTPOrderVenue(httpConfig(c.Markets)))
	r.RegisterHedgeVenue(NewHTTPHedgeVenue(httpConfig(c.Hedges)))
	return r
}

func httpConfig(v config.VenueConfig) HTTPConfig {
	return HTTPConfig{
		Name:     v.Name,
		BaseURL:  v.BaseURL,
		APIKey:   v.APIKey,
		RatePerS: v.RatePerS,
		Burst:    v.Burst,
	}
}
