package planexec

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/harun/agentcore/pkg/session"
)

// Sentinels are placeholder values that mean an argument could not be produced.
var Sentinels = []string{"NOT_FOUND", "MISSING", "INVALID", "ERROR", "NULL", "UNDEFINED"}

// Resolution is the outcome of argument resolution.
type Resolution struct {
	Args    map[string]any
	Missing []string
}

// ArgumentResolver turns raw step arguments into concrete values.
type ArgumentResolver interface {
	ResolveArgs(ctx context.Context, raw map[string]any, steps []PlanStep, rc *session.RuntimeContext) (Resolution, error)
}

var refPattern = regexp.MustCompile(`\{\{\s*(steps|entities)\.([^}\s]+)\s*\}\}`)

// StepRefResolver substitutes {{steps.<id>[.path]}} with completed step
// results and {{entities.<type>[.field]}} with the most recently used entity
// of that type. Unresolvable references are reported in Missing.
type StepRefResolver struct{}

func (StepRefResolver) ResolveArgs(_ context.Context, raw map[string]any, steps []PlanStep, rc *session.RuntimeContext) (Resolution, error) {
	r := refResolver{steps: steps, rc: rc}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = r.value(k, v)
	}
	slices.Sort(r.missing)
	return Resolution{Args: out, Missing: slices.Compact(r.missing)}, nil
}

type refResolver struct {
	steps   []PlanStep
	rc      *session.RuntimeContext
	missing []string
}

func (r *refResolver) value(path string, v any) any {
	switch t := v.(type) {
	case string:
		return r.str(path, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = r.value(path+"."+k, inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = r.value(path+"["+strconv.Itoa(i)+"]", inner)
		}
		return out
	default:
		return v
	}
}

func (r *refResolver) str(path, s string) any {
	locs := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s
	}
	// a lone reference keeps the referenced value's type
	if len(locs) == 1 && locs[0][0] == 0 && locs[0][1] == len(s) {
		v, ok := r.lookup(s[locs[0][2]:locs[0][3]], s[locs[0][4]:locs[0][5]])
		if !ok {
			r.missing = append(r.missing, path)
			return s
		}
		return v
	}

	unresolved := false
	out := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := refPattern.FindStringSubmatch(m)
		v, ok := r.lookup(sub[1], sub[2])
		if !ok {
			unresolved = true
			return m
		}
		return stringify(v)
	})
	if unresolved {
		r.missing = append(r.missing, path)
	}
	return out
}

func (r *refResolver) lookup(scope, ref string) (any, bool) {
	parts := strings.Split(ref, ".")
	switch scope {
	case "steps":
		for _, st := range r.steps {
			if st.ID != parts[0] {
				continue
			}
			if st.Status != StepCompleted || st.Result == nil {
				return nil, false
			}
			return walk(st.Result.Payload(), parts[1:])
		}
	case "entities":
		if r.rc == nil {
			return nil, false
		}
		var best *session.EntityRef
		for i, e := range r.rc.Entities[parts[0]] {
			if best == nil || !e.LastUsedAt.Before(best.LastUsedAt) {
				best = &r.rc.Entities[parts[0]][i]
			}
		}
		if best == nil {
			return nil, false
		}
		if len(parts) == 1 || parts[1] == "id" {
			return best.ID, true
		}
		if parts[1] == "name" {
			return best.Name, best.Name != ""
		}
		return walk(map[string]any(best.Attributes), parts[1:])
	}
	return nil, false
}

// walk follows a dotted path through maps and slices.
func walk(v any, path []string) (any, bool) {
	for i, p := range path {
		switch t := v.(type) {
		case map[string]any:
			next, ok := t[p]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			v = t[idx]
		case nil:
			return nil, false
		default:
			generic, ok := toGeneric(t)
			if !ok {
				return nil, false
			}
			return walk(generic, path[i:])
		}
	}
	return v, v != nil
}

// toGeneric converts typed values (structs, typed maps) to map/slice form.
func toGeneric(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	switch out.(type) {
	case map[string]any, []any:
		return out, true
	}
	return nil, false
}

// FindSentinels returns the argument paths holding a sentinel value or an
// unresolved {{...}} reference, searching nested maps and slices.
func FindSentinels(args map[string]any) []string {
	var out []string
	var visit func(path string, v any)
	visit = func(path string, v any) {
		switch t := v.(type) {
		case string:
			if isSentinel(t) {
				out = append(out, fmt.Sprintf("%s (%s)", path, strings.TrimSpace(t)))
			} else if refPattern.MatchString(t) {
				out = append(out, path)
			}
		case map[string]any:
			for k, inner := range t {
				visit(path+"."+k, inner)
			}
		case []any:
			for i, inner := range t {
				visit(path+"["+strconv.Itoa(i)+"]", inner)
			}
		}
	}
	for k, v := range args {
		visit(k, v)
	}
	slices.Sort(out)
	return out
}

func isSentinel(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	return slices.Contains(Sentinels, s)
}
