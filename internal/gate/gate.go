// Package gate enforces subscription-tier access: how many brokers a user
// may connect and which premium-only brokers they may touch. Checks run
// before credential validation and before any network call, and failures are
// reported as an upgrade-required signal distinct from rate limiting and
// validation errors.
package gate

import (
	"fmt"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
)

// Tier names, lowest to highest.
const (
	TierFree    = "free"
	TierPro     = "pro"
	TierPremium = "premium"
)

// tierBrokerCeiling is the maximum number of connected brokers per tier.
var tierBrokerCeiling = map[string]int{
	TierFree:    1,
	TierPro:     3,
	TierPremium: 10,
}

// premiumTiers may connect premium-only brokers.
var premiumTiers = map[string]bool{
	TierPremium: true,
}

// Checker answers tier-gating questions. ConnectedBrokers is supplied by the
// caller so the gate stays free of persistence concerns.
type Checker struct {
	premiumBrokers map[string]bool
}

// NewChecker creates a Checker. premiumBrokers lists broker keys restricted
// to premium tiers.
func NewChecker(premiumBrokers []string) *Checker {
	set := make(map[string]bool, len(premiumBrokers))
	for _, k := range premiumBrokers {
		set[k] = true
	}
	return &Checker{premiumBrokers: set}
}

// CheckAddBroker verifies the user's tier permits connecting one more broker
// of the given key. Returns AccessDeniedError with UpgradeRequired set when
// the tier is the obstacle.
func (c *Checker) CheckAddBroker(tier, brokerKey string, connectedCount int) error {
	ceiling, ok := tierBrokerCeiling[tier]
	if !ok {
		ceiling = tierBrokerCeiling[TierFree]
	}

	if connectedCount >= ceiling {
		return &broker.AccessDeniedError{
			Reason:          fmt.Sprintf("tier %q allows at most %d connected brokers", tier, ceiling),
			UpgradeRequired: true,
		}
	}

	if c.premiumBrokers[brokerKey] && !premiumTiers[tier] {
		return &broker.AccessDeniedError{
			Reason:          fmt.Sprintf("broker %q requires a premium subscription", brokerKey),
			UpgradeRequired: true,
		}
	}

	return nil
}
