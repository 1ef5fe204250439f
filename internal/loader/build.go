package loader

import (
	"sort"

	"github.com/rendis/carepath/internal/params"
	"github.com/rendis/carepath/pkg/schema"
)

// structuralKeys are state fields that are not copied into State.Data.
var structuralKeys = map[string]bool{"type": true, "transitions": true, "branches": true}

func build(name string, doc map[string]any, order []string, store params.Store) (*schema.ModuleDefinition, error) {
	def := &schema.ModuleDefinition{
		Name:       name,
		States:     make(map[string]*schema.State),
		Categories: make(map[schema.Category]schema.CategoryMode),
	}
	def.Description, _ = doc["description"].(string)

	if cats, ok := doc["categories"].(map[string]any); ok {
		for c, m := range cats {
			mode := schema.ModeAugment
			if s, _ := m.(string); s == string(schema.ModeReplace) {
				mode = schema.ModeReplace
			}
			def.Categories[schema.Category(c)] = mode
		}
	}

	rawStates, _ := doc["states"].(map[string]any)
	if len(order) != len(rawStates) {
		// JSON-compatible input without node order: fall back to sorted names.
		order = make([]string, 0, len(rawStates))
		for n := range rawStates {
			order = append(order, n)
		}
		sort.Strings(order)
	}
	def.StateOrder = order

	for _, stateName := range order {
		body, _ := rawStates[stateName].(map[string]any)
		st, err := buildState(stateName, body, store)
		if err != nil {
			if merr, ok := err.(*schema.ModuleError); ok {
				return nil, merr.WithModule(name).WithState(stateName)
			}
			return nil, err
		}
		def.States[stateName] = st
	}
	return def, nil
}

func buildState(name string, body map[string]any, store params.Store) (*schema.State, error) {
	rawType, _ := body["type"].(string)
	st := &schema.State{
		Name: name,
		Type: schema.ParseStateType(rawType),
		Data: make(map[string]any),
	}
	if st.Type == schema.StateTypeUnknown {
		st.RawType = rawType
	}

	res := &tokenResolver{store: store, used: make(map[string]schema.ParameterMetadata)}

	for k, v := range body {
		if structuralKeys[k] {
			continue
		}
		resolved, err := res.resolve(v)
		if err != nil {
			return nil, err
		}
		st.Data[k] = resolved
	}

	rawTransitions, ok := body["transitions"].([]any)
	if !ok {
		rawTransitions, _ = body["branches"].([]any)
	}
	for _, rt := range rawTransitions {
		resolved, err := res.resolve(rt)
		if err != nil {
			return nil, err
		}
		m, _ := resolved.(map[string]any)
		st.Transitions = append(st.Transitions, buildTransition(m))
	}

	st.Parameters = res.metadata()
	return st, nil
}

func buildTransition(m map[string]any) schema.Transition {
	tr := schema.Transition{}
	tr.To, _ = m["to"].(string)
	tr.Probability = m["probability"]
	if c, ok := m["condition"].(map[string]any); ok {
		cond := &schema.Guard{Value: c["value"]}
		cond.Attribute, _ = c["attribute"].(string)
		cond.Operator, _ = c["operator"].(string)
		cond.Expression, _ = c["expression"].(string)
		tr.Condition = cond
	}
	return tr
}

// tokenResolver replaces {use: "<domain>.<path>"} mappings with store values
// and records each token it resolved.
type tokenResolver struct {
	store params.Store
	used  map[string]schema.ParameterMetadata
}

func (r *tokenResolver) resolve(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if token, ok := useToken(val); ok {
			return r.lookup(token)
		}
		out := make(map[string]any, len(val))
		for k, x := range val {
			rx, err := r.resolve(x)
			if err != nil {
				return nil, err
			}
			out[k] = rx
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			rx, err := r.resolve(x)
			if err != nil {
				return nil, err
			}
			out[i] = rx
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *tokenResolver) lookup(token string) (any, error) {
	domain, path, err := params.ParseToken(token)
	if err != nil {
		return nil, err
	}
	if r.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeParameterNotFound,
			"parameter %q used but no parameter store is configured", token)
	}
	value, meta, err := r.store.Resolve(domain, path)
	if err != nil {
		return nil, err
	}
	r.used[meta.Token] = meta
	return value, nil
}

func (r *tokenResolver) metadata() []schema.ParameterMetadata {
	if len(r.used) == 0 {
		return nil
	}
	out := make([]schema.ParameterMetadata, 0, len(r.used))
	for _, m := range r.used {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// useToken reports whether m is exactly {use: "<token>"}.
func useToken(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	token, ok := m["use"].(string)
	return token, ok
}
