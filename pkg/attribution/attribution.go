// Package attribution implements the two operations owned by the
// Attribution Engine: building the immutable record appended when a
// stage completes, and distributing an arbitrary-precision total across
// contributing agents by registry weight.
package attribution

import (
	"math/big"
	"sort"

	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

// New builds the Attribution record for a stage completion. Percentage
// is always the registry's fixed weight for stage_name — callers never
// supply it. CreatedAt and ID are left zero; the store assigns both
// atomically as part of complete_stage.
func New(pipelineID, stageID string, stageName registry.StageName, agentID, agentName string) stagecontract.Attribution {
	return stagecontract.Attribution{
		PipelineID: pipelineID,
		StageID:    stageID,
		StageName:  stageName,
		AgentID:    agentID,
		AgentName:  agentName,
		Percentage: registry.Weight(stageName),
	}
}

// hundred is the fixed divisor: every weight is a whole percent and the
// registry's weights sum to exactly 100.
var hundred = big.NewInt(100)

// Distribute computes each agent's share of total given a full or
// partial set of attributions, by cumulative weight boundary rather
// than independently per attribution. Flooring floor(total*weight/100)
// for each attribution on its own loses the remainder of that division
// every time, and those losses accumulate — e.g. splitting total=7
// across the registry's own weights (10,25,20,10,15,15,5) independently
// yields 0,1,1,0,1,1,0, summing to 4, not 7.
//
// Instead, attributions are walked in registry order accumulating
// cumWeight, and each share is the difference between successive
// cumulative allocations: share_i = floor(total*cumWeight_i/100) -
// floor(total*cumWeight_{i-1}/100). This telescopes: the sum of all
// shares is floor(total*cumWeight_n/100), and once every registry
// stage is represented, cumWeight_n is always 100, so the sum is
// floor(total*100/100) = total exactly, for any total.
func Distribute(total *big.Int, attributions []stagecontract.Attribution) map[string]*big.Int {
	out := make(map[string]*big.Int)

	ordered := make([]stagecontract.Attribution, len(attributions))
	copy(ordered, attributions)
	sort.Slice(ordered, func(i, j int) bool {
		return registry.Order(ordered[i].StageName) < registry.Order(ordered[j].StageName)
	})

	cumWeight := 0
	prevAllocated := big.NewInt(0)
	for _, a := range ordered {
		cumWeight += a.Percentage
		cumAllocated := new(big.Int).Mul(total, big.NewInt(int64(cumWeight)))
		cumAllocated.Quo(cumAllocated, hundred)

		share := new(big.Int).Sub(cumAllocated, prevAllocated)
		prevAllocated = cumAllocated

		if existing, ok := out[a.AgentID]; ok {
			existing.Add(existing, share)
		} else {
			out[a.AgentID] = share
		}
	}
	return out
}
