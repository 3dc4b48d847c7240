// Package router orchestrates metered API calls: authenticate the caller,
// pick the permit that pays for the call, forward it to the publisher, and
// settle the charge through the transfer engine.
package router

import (
	"sort"
	"strings"
	"time"

	"github.com/meterpay/meterpay"
)

// SelectPermit picks the permit to charge costMicros against, or nil when
// none qualifies. Only active, unexpired permits with enough remaining value
// are considered. Among those, the agent's payout lane (same token and
// chain) wins, then any USDC permit, because only USDC can cross chains,
// then anything else. Ties go to the largest remaining value, then the
// newest permit.
func SelectPermit(permits []*meterpay.Permit, agent *meterpay.Agent, costMicros int64, now time.Time) *meterpay.Permit {
	price := agent.PriceMicros()

	var eligible []*meterpay.Permit
	for _, p := range permits {
		if p.Status != meterpay.PermitActive || p.Expired(now) {
			continue
		}
		if p.RemainingValueMicros(price) < costMicros {
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		pi, pj := eligible[i], eligible[j]
		ti, tj := lane(pi, agent), lane(pj, agent)
		if ti != tj {
			return ti < tj
		}
		ri, rj := pi.RemainingValueMicros(price), pj.RemainingValueMicros(price)
		if ri != rj {
			return ri > rj
		}
		return pi.CreatedAt.After(pj.CreatedAt)
	})
	return eligible[0]
}

// lane ranks a permit against the agent's payout preference: 0 for an exact
// (token, chain) match, 1 for USDC anywhere, 2 for the rest. Rank 2 permits
// can still settle same-chain; the transfer engine rejects them for
// cross-chain routes.
func lane(p *meterpay.Permit, agent *meterpay.Agent) int {
	switch {
	case strings.EqualFold(p.TokenSymbol, agent.TokenSymbol) && p.ChainID == agent.ChainID:
		return 0
	case strings.EqualFold(p.TokenSymbol, "USDC"):
		return 1
	default:
		return 2
	}
}
