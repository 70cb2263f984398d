package engine

import (
	"fmt"
	"strconv"
	"strings"

	"eve.evalgo.org/engineerr"
)

// exprMatch is one ${...} occurrence found in a string.
type exprMatch struct {
	start, end int // byte offsets of the whole "${...}" in the source string
	expr       string
}

// findExprs scans s for ${...} occurrences. An opening "${" with no
// matching "}" before the end of the string is a TemplateError (§4.2:
// "returned only when the expression is syntactically invalid, unclosed
// ${"); everything else, including an empty or malformed path inside the
// braces, is resolved leniently at lookup time instead of rejected here.
func findExprs(s string) ([]exprMatch, error) {
	var matches []exprMatch
	i := 0
	for {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			break
		}
		start += i
		end := strings.IndexByte(s[start+2:], '}')
		if end < 0 {
			return nil, engineerr.Template("unclosed ${ starting at offset %d", start)
		}
		end += start + 2
		matches = append(matches, exprMatch{start: start, end: end + 1, expr: s[start+2 : end]})
		i = end + 1
	}
	return matches, nil
}

// normalizePath converts the JSONPath-lite form `$.a["b"].c` into the plain
// dot-path form `a.b.c` that Scope.Resolve understands; a bracketed numeric
// index like `[0]` is left for Scope's own array-index handling. Plain
// dot-paths (the common case) pass through unchanged.
func normalizePath(expr string) string {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "$.")
	expr = strings.TrimPrefix(expr, "$")
	var b strings.Builder
	i := 0
	for i < len(expr) {
		c := expr[i]
		if c == '[' {
			j := strings.IndexByte(expr[i:], ']')
			if j < 0 {
				b.WriteByte(c)
				i++
				continue
			}
			inner := expr[i+1 : i+j]
			inner = strings.Trim(inner, `"'`)
			if b.Len() > 0 && !strings.HasSuffix(b.String(), ".") {
				b.WriteByte('.')
			}
			if _, err := strconv.Atoi(inner); err == nil {
				b.WriteString("[" + inner + "]")
			} else {
				b.WriteString(inner)
			}
			i += j + 1
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// coerceString renders a resolved value as its string form for interpolated
// substitution (§4.2: "substitutes each occurrence as its string coercion").
func coerceString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// resolveString applies the substitution rules of §4.2 to one string value.
func resolveString(s string, scope *Scope, frame int) (interface{}, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	matches, err := findExprs(s)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0].start == 0 && matches[0].end == len(s) {
		val, found := scope.Resolve(frame, normalizePath(matches[0].expr))
		if !found {
			return nil, nil // undefined
		}
		return val, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m.start])
		val, found := scope.Resolve(frame, normalizePath(m.expr))
		if found {
			b.WriteString(coerceString(val))
		}
		last = m.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// Resolve evaluates a scalar, array, or object value by substituting every
// ${expr} occurrence against scope starting at frame, per §4.2. Objects and
// arrays are walked recursively; map keys are never template-expanded, only
// values.
func Resolve(value interface{}, scope *Scope, frame int) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, scope, frame)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			resolved, err := Resolve(val, scope, frame)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			resolved, err := Resolve(val, scope, frame)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveConfig is a convenience wrapper for the common case of resolving a
// Task node's config map (§4.5: "resolvedConfig = TemplateResolver(node.config, scope)").
func ResolveConfig(config map[string]interface{}, scope *Scope, frame int) (map[string]interface{}, error) {
	resolved, err := Resolve(map[string]interface{}(config), scope, frame)
	if err != nil {
		return nil, err
	}
	m, _ := resolved.(map[string]interface{})
	return m, nil
}

// HasVariableReferences reports whether s contains at least one ${...}
// occurrence (malformed or not).
func HasVariableReferences(s string) bool {
	return strings.Contains(s, "${")
}

// ExtractVariableReferences returns the raw expr text of every ${...}
// occurrence in s (no further normalization applied).
func ExtractVariableReferences(s string) ([]string, error) {
	matches, err := findExprs(s)
	if err != nil {
		return nil, err
	}
	refs := make([]string, len(matches))
	for i, m := range matches {
		refs[i] = m.expr
	}
	return refs, nil
}
