package narrative

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ensemblebots/troupe/internal/state"
)

// refPattern matches ${state:<key>} placeholders.
var refPattern = regexp.MustCompile(`\$\{state:([^}]+)\}`)

// Resolver substitutes ${state:key} placeholders with values from one scope
// of the state store. Resolution is single-pass: a substituted value is
// never re-scanned for further placeholders.
type Resolver struct {
	store *state.Store
}

// NewResolver returns a resolver backed by the given store.
func NewResolver(store *state.Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveParams resolves every templated value in params against the scope.
// The input is never mutated. The first unresolved placeholder within a
// value is reported as UnresolvedReferenceError naming the key and the
// scope that was searched.
func (r *Resolver) ResolveParams(params map[string]interface{}, scope state.Scope) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(params))
	for k, v := range params {
		rv, err := r.resolveValue(v, scope)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

func (r *Resolver) resolveValue(v interface{}, scope state.Scope) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(val, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			rv, err := r.resolveValue(nested, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, nested := range val {
			rv, err := r.resolveValue(nested, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString resolves placeholders left to right. A string that is
// exactly one placeholder resolves to the stored value itself, preserving
// its structure; placeholders embedded in longer strings are stringified.
func (r *Resolver) resolveString(s string, scope state.Scope) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		key := s[matches[0][2]:matches[0][3]]
		v, ok, err := r.store.Get(scope, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &UnresolvedReferenceError{Key: key, Scope: scope}
		}
		return v, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		key := s[m[2]:m[3]]
		v, ok, err := r.store.Get(scope, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &UnresolvedReferenceError{Key: key, Scope: scope}
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
