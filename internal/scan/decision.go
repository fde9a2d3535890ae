package scan

import (
	"fmt"
	"sort"
)

// Decision is the pure verdict after one step's measurements.
type Decision struct {
	PKFound   bool
	PKColumns []string

	Escalate         bool
	EscalationReason string

	SkipToValidation bool

	Promoted           []*Candidate
	PromotedComposites []Composite
	Eliminated         []string

	Best            string
	BestSelectivity float64
}

// Engine applies the promotion, elimination, and escalation rules. It is
// stateless: every call reads only the selectivity table it is given.
type Engine struct{}

// Per-step elimination thresholds for single columns.
var stepThresholds = map[int]float64{
	1: 0.5,
	2: 0.3,
	3: 0.2,
	4: 0.1,
	5: 0.05,
	6: 0.05,
	7: 0.0,
}

const (
	perfectSelectivity  = 1.0
	skipToValidationSel = 0.99
	escalationThreshold = 0.8
	escalationStep      = 4
	compositeStartStep  = 3
	maxCompositesOfStep = 50
	compositeTopN       = 10
)

// Decide evaluates one step. Candidates are mutated in place: their
// per-step selectivity is recorded and eliminations are marked.
func (Engine) Decide(step Step, candidates []*Candidate, composites []Composite, selectivities map[string]float64) Decision {
	var d Decision

	// Perfect candidate: return immediately.
	if pk := findPerfect(candidates, composites, selectivities); pk != nil {
		d.PKFound = true
		d.PKColumns = pk
		d.Best = Composite{Columns: pk}.Key()
		d.BestSelectivity = perfectSelectivity
		return d
	}

	// Escalation checkpoint: from step 4 a best below 80% means single
	// columns and small composites are not going to converge.
	if step.Number >= escalationStep {
		name, best := bestActive(candidates, composites, selectivities)
		if best < escalationThreshold {
			d.Escalate = true
			d.EscalationReason = fmt.Sprintf(
				"best selectivity %.1f%% below %.0f%% at step %d",
				best*100, escalationThreshold*100, step.Number)
			d.Best = name
			d.BestSelectivity = best
			return d
		}
	}

	threshold := stepThresholds[step.Number]

	for _, c := range candidates {
		if c.Eliminated() {
			continue
		}
		sel := selectivities[c.Name]
		if c.Selectivity == nil {
			c.Selectivity = make(map[int]float64)
		}
		c.Selectivity[step.Number] = sel
		if sel < threshold {
			c.EliminatedAtStep = step.Number
			c.EliminationReason = fmt.Sprintf(
				"selectivity %.1f%% below %.0f%% threshold", sel*100, threshold*100)
			d.Eliminated = append(d.Eliminated, c.Name)
		} else {
			d.Promoted = append(d.Promoted, c)
		}
	}

	// Composites below threshold are dropped, but their member columns
	// stay in play.
	for i := range composites {
		comp := composites[i]
		sel := selectivities[comp.Key()]
		if comp.Selectivity == nil {
			comp.Selectivity = make(map[int]float64)
		}
		comp.Selectivity[step.Number] = sel
		if sel >= threshold {
			d.PromotedComposites = append(d.PromotedComposites, comp)
		}
	}

	d.Best, d.BestSelectivity = bestCandidate(d.Promoted, d.PromotedComposites, selectivities)

	if d.BestSelectivity >= skipToValidationSel && step.Number >= compositeStartStep {
		d.SkipToValidation = true
	}
	return d
}

// GenerateComposites builds combinations of the top actives for a step:
// pairs from step 3, up to triples from step 4, capped per step.
func (Engine) GenerateComposites(candidates []*Candidate, step Step, maxCols int) []Composite {
	if step.Number < compositeStartStep {
		return nil
	}

	active := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Eliminated() {
			active = append(active, c)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].LatestSelectivity() > active[j].LatestSelectivity()
	})
	if len(active) > compositeTopN {
		active = active[:compositeTopN]
	}

	var out []Composite
	for size := 2; size <= maxCols; size++ {
		combinations(active, size, func(combo []*Candidate) bool {
			cols := make([]string, len(combo))
			for i, c := range combo {
				cols[i] = c.Name
			}
			out = append(out, Composite{Columns: cols})
			return len(out) < maxCompositesOfStep
		})
		if len(out) >= maxCompositesOfStep {
			break
		}
	}
	return out
}

// combinations visits every size-k combination in order; the visitor
// returns false to stop early.
func combinations(items []*Candidate, k int, visit func([]*Candidate) bool) {
	if k > len(items) {
		return
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	buf := make([]*Candidate, k)
	for {
		for i, j := range idx {
			buf[i] = items[j]
		}
		if !visit(buf) {
			return
		}
		// Advance the rightmost index that can still move.
		i := k - 1
		for i >= 0 && idx[i] == len(items)-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// Selectivity is distinct over total, with an empty sample scoring zero.
func Selectivity(distinct, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(distinct) / float64(total)
}

func findPerfect(candidates []*Candidate, composites []Composite, selectivities map[string]float64) []string {
	for _, c := range candidates {
		if c.Eliminated() {
			continue
		}
		if selectivities[c.Name] >= perfectSelectivity {
			return []string{c.Name}
		}
	}
	for _, comp := range composites {
		if selectivities[comp.Key()] >= perfectSelectivity {
			return comp.Columns
		}
	}
	return nil
}

func bestActive(candidates []*Candidate, composites []Composite, selectivities map[string]float64) (string, float64) {
	name, best := "", 0.0
	for _, c := range candidates {
		if c.Eliminated() {
			continue
		}
		if sel := selectivities[c.Name]; sel > best {
			best = sel
			name = c.Name
		}
	}
	for _, comp := range composites {
		if sel := selectivities[comp.Key()]; sel > best {
			best = sel
			name = comp.Key()
		}
	}
	return name, best
}

func bestCandidate(candidates []*Candidate, composites []Composite, selectivities map[string]float64) (string, float64) {
	name, best := "", 0.0
	for _, c := range candidates {
		if sel := selectivities[c.Name]; sel > best {
			best = sel
			name = c.Name
		}
	}
	for _, comp := range composites {
		if sel := selectivities[comp.Key()]; sel > best {
			best = sel
			name = comp.Key()
		}
	}
	return name, best
}
