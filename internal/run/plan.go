package run

import (
	"iter"

	"github.com/parley-run/parley/internal/model"
)

// Triple is one unit of interview work: an agent answering a scenario's
// questions against an endpoint. Ordinal positions are carried so predicates
// can express sparse designs like "scenario i pairs only with agent i".
type Triple struct {
	AgentIndex    int
	ScenarioIndex int
	EndpointIndex int
	Agent         model.Agent
	Scenario      model.Scenario
	Endpoint      model.Endpoint
}

// Predicate decides whether a triple is part of the plan.
type Predicate func(Triple) bool

// Plan lazily produces the filtered cross-product of agents × scenarios ×
// endpoints. Nothing is materialized unless the caller enumerates; the
// sequence is finite and restartable.
type Plan struct {
	agents    []model.Agent
	scenarios []model.Scenario
	endpoints []model.Endpoint
	pred      Predicate
}

// NewPlan creates a plan. A nil predicate keeps the full cross-product.
func NewPlan(agents []model.Agent, scenarios []model.Scenario, endpoints []model.Endpoint, pred Predicate) *Plan {
	return &Plan{
		agents:    agents,
		scenarios: scenarios,
		endpoints: endpoints,
		pred:      pred,
	}
}

// Triples yields the matching triples in order: agents outermost, endpoints
// innermost. Each range over the sequence restarts from the beginning.
func (p *Plan) Triples() iter.Seq[Triple] {
	return func(yield func(Triple) bool) {
		for ai, a := range p.agents {
			for si, s := range p.scenarios {
				for ei, e := range p.endpoints {
					t := Triple{
						AgentIndex:    ai,
						ScenarioIndex: si,
						EndpointIndex: ei,
						Agent:         a,
						Scenario:      s,
						Endpoint:      e,
					}
					if p.pred != nil && !p.pred(t) {
						continue
					}
					if !yield(t) {
						return
					}
				}
			}
		}
	}
}

// Count enumerates the plan and returns the number of matching triples.
func (p *Plan) Count() int {
	n := 0
	for range p.Triples() {
		n++
	}
	return n
}

// Diagonal is the common sparse pairing: scenario i runs only with agent i.
func Diagonal(t Triple) bool {
	return t.AgentIndex == t.ScenarioIndex
}
