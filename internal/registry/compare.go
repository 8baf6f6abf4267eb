package registry

import (
	"context"
	"sort"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
)

// Comparison is one broker's entry in a comparison result.
type Comparison struct {
	Key                  string
	Name                 string
	Type                 BrokerType
	SupportsOAuth        bool
	RequiresLocalGateway bool
	PremiumOnly          bool
	RateLimit            RateLimit
	// Fees is populated only when a live adapter was supplied for the key.
	Fees *broker.FeeSchedule
}

// Requirements narrows a recommendation query.
type Requirements struct {
	Type       BrokerType
	NeedsOAuth bool
	CloudOnly  bool // exclude local-gateway brokers
	FreeTier   bool // exclude premium-only brokers
}

// CompareBrokers returns comparison rows for the given keys. Pure over the
// metadata table except for fee lookups, which run only for keys present in
// the adapters map.
func (r *Registry) CompareBrokers(ctx context.Context, keys []string, adapters map[string]broker.Adapter, symbol string) ([]Comparison, error) {
	out := make([]Comparison, 0, len(keys))
	for _, key := range keys {
		m, err := r.Get(key)
		if err != nil {
			return nil, err
		}
		row := Comparison{
			Key:                  m.Key,
			Name:                 m.Name,
			Type:                 m.Type,
			SupportsOAuth:        m.SupportsOAuth,
			RequiresLocalGateway: m.RequiresLocalGateway,
			PremiumOnly:          m.PremiumOnly,
			RateLimit:            m.RateLimit,
		}
		if a, ok := adapters[key]; ok && symbol != "" {
			// Fee lookup is best-effort; a broker outage must not sink the
			// whole comparison.
			if fees, err := a.GetFees(ctx, symbol); err == nil {
				row.Fees = fees
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// GetRecommendedBroker picks the best match for the requirements: OAuth
// support first, then the loosest rate limit. Pure over static metadata.
func (r *Registry) GetRecommendedBroker(req Requirements) (Metadata, error) {
	var candidates []Metadata
	for _, m := range r.metadata {
		if req.Type != "" && m.Type != req.Type {
			continue
		}
		if req.NeedsOAuth && !m.SupportsOAuth {
			continue
		}
		if req.CloudOnly && m.RequiresLocalGateway {
			continue
		}
		if req.FreeTier && m.PremiumOnly {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return Metadata{}, &broker.UnknownBrokerError{Key: "<no broker matches requirements>"}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SupportsOAuth != b.SupportsOAuth {
			return a.SupportsOAuth
		}
		ra := float64(a.RateLimit.Count) / float64(a.RateLimit.WindowMs)
		rb := float64(b.RateLimit.Count) / float64(b.RateLimit.WindowMs)
		if ra != rb {
			return ra > rb
		}
		return a.Key < b.Key
	})
	return candidates[0], nil
}
