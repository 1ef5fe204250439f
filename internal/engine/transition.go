package engine

import (
	"fmt"
	"math/rand"

	"github.com/rendis/carepath/pkg/schema"
)

// choose picks the next state. Conditional transitions are tried first, in
// order; the first satisfied one wins. Otherwise the unconditional ones are
// drawn by weight. ok is false when the state has nowhere to go.
func (r *runner) choose(st *schema.State) (string, bool) {
	if len(st.Transitions) == 0 {
		return "", false
	}

	weighted := make([]schema.Transition, 0, len(st.Transitions))
	for _, tr := range st.Transitions {
		if !tr.IsConditional() {
			weighted = append(weighted, tr)
			continue
		}
		if r.satisfied(st, tr.Condition) {
			return tr.To, true
		}
	}
	if len(weighted) == 0 {
		return "", false
	}
	return pickWeighted(r.s.rng(), weighted).To, true
}

// pickWeighted draws uniformly in [0, total) and walks cumulative weights.
// Missing, non-numeric and negative weights count as zero. With a zero total
// the last transition is taken.
func pickWeighted(rng *rand.Rand, transitions []schema.Transition) schema.Transition {
	last := transitions[len(transitions)-1]
	if len(transitions) == 1 {
		return last
	}

	weights := make([]float64, len(transitions))
	var total float64
	for i, tr := range transitions {
		if w, ok := tr.Weight(); ok && w > 0 {
			weights[i] = w
			total += w
		}
	}
	if total <= 0 {
		return last
	}

	draw := rng.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if draw < cum {
			return transitions[i]
		}
	}
	return last
}

// satisfied evaluates a transition guard. Evaluation errors are diagnosed and
// count as unsatisfied.
func (r *runner) satisfied(st *schema.State, c *schema.Guard) bool {
	if c.Expression != "" {
		ok, err := r.s.e.cel.EvaluateBool(r.ctx, c.Expression, r.variables())
		if err != nil {
			r.diagnose(st.Name, schema.DiagBadCondition, err.Error())
			return false
		}
		return ok
	}

	current, present := r.s.attrs.Get(c.Attribute)
	switch c.Operator {
	case "is nil":
		return !present
	case "is not nil":
		return present
	}
	if !present {
		// An unset attribute differs from every value.
		return c.Operator == "!="
	}

	want, err := schema.ValueOf(c.Value)
	if err != nil {
		r.diagnose(st.Name, schema.DiagBadCondition,
			fmt.Sprintf("condition on %q: %v", c.Attribute, err))
		return false
	}
	ok, err := current.Compare(c.Operator, want)
	if err != nil {
		r.diagnose(st.Name, schema.DiagBadCondition,
			fmt.Sprintf("condition on %q: %v", c.Attribute, err))
		return false
	}
	return ok
}
