// Package template implements the Template Renderer (C4): evaluation of
// `{{ … }}` expressions embedded in workflow step strings against a fixed
// execution context (inputs, steps, config, execution_id).
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kadirpekel/taskflow/pkg/errs"
)

var allowedRoots = map[string]bool{
	"inputs":       true,
	"steps":        true,
	"config":       true,
	"execution_id": true,
}

// Renderer evaluates template expressions against a JSON-serialized
// execution context, using gjson for the dotted/indexed path resolution.
type Renderer struct{}

// New constructs a Renderer. It holds no state; every Render call is
// independent.
func New() *Renderer {
	return &Renderer{}
}

type match struct {
	start, end int
	expr       string
}

// Render evaluates every `{{ … }}` expression in tmpl against ctx (the
// execution context, any JSON-marshalable value). If tmpl is a "pure
// template" (exactly one expression and nothing else), the expression's
// native value is returned; otherwise every substitution is coerced to its
// string form and spliced into the surrounding literal text.
func (r *Renderer) Render(tmpl string, ctx any) (any, error) {
	ctxJSON, err := json.Marshal(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTemplateError, "execution context is not JSON-serializable", err)
	}
	return r.RenderJSON(tmpl, ctxJSON)
}

// RenderJSON is like Render but takes an already-marshaled context.
func (r *Renderer) RenderJSON(tmpl string, ctxJSON []byte) (any, error) {
	matches, err := findExpressions(tmpl)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return tmpl, nil
	}

	if len(matches) == 1 && isPure(tmpl, matches[0]) {
		return r.evaluate(matches[0].expr, ctxJSON)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(tmpl[last:m.start])
		val, err := r.evaluate(m.expr, ctxJSON)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(val))
		last = m.end
	}
	sb.WriteString(tmpl[last:])
	return sb.String(), nil
}

func isPure(tmpl string, m match) bool {
	return strings.TrimSpace(tmpl[:m.start]) == "" && strings.TrimSpace(tmpl[m.end:]) == ""
}

// findExpressions locates every `{{ … }}` span in tmpl. An unterminated
// `{{` is a syntax error.
func findExpressions(tmpl string) ([]match, error) {
	var out []match
	i := 0
	for {
		start := strings.Index(tmpl[i:], "{{")
		if start == -1 {
			break
		}
		start += i
		end := strings.Index(tmpl[start+2:], "}}")
		if end == -1 {
			return nil, errs.New(errs.CodeTemplateError, "unterminated template expression").WithDetail(tmpl[start:])
		}
		end = start + 2 + end
		out = append(out, match{start: start, end: end + 2, expr: strings.TrimSpace(tmpl[start+2 : end])})
		i = end + 2
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// evaluate resolves one `{{ … }}` expression body (path plus an optional
// `|`-separated filter pipeline) against ctxJSON.
func (r *Renderer) evaluate(expr string, ctxJSON []byte) (any, error) {
	if expr == "" {
		return nil, errs.New(errs.CodeTemplateError, "empty template expression")
	}
	segments := splitPipeline(expr)
	pathExpr := strings.TrimSpace(segments[0])
	if pathExpr == "" {
		return nil, errs.New(errs.CodeTemplateError, "empty path in template expression").WithDetail(expr)
	}

	root := pathExpr
	if i := strings.IndexAny(root, ".["); i >= 0 {
		root = root[:i]
	}
	if !allowedRoots[root] {
		return nil, errs.New(errs.CodeTemplateError, "unresolved identifier").WithDetail(root)
	}

	gjsonPath, err := toGJSONPath(pathExpr)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTemplateError, "malformed path", err).WithDetail(expr)
	}

	res := gjson.GetBytes(ctxJSON, gjsonPath)
	var value any
	exists := res.Exists()
	if exists {
		value = res.Value()
	}

	for _, raw := range segments[1:] {
		name, arg, err := parseFilter(raw)
		if err != nil {
			return nil, errs.Wrap(errs.CodeTemplateError, "malformed filter", err).WithDetail(expr)
		}
		switch name {
		case "default":
			if !exists || value == nil {
				value = arg
				exists = true
			}
		case "length":
			l, err := lengthOf(value)
			if err != nil {
				return nil, errs.Wrap(errs.CodeTemplateError, "length filter applied to unsized value", err).WithDetail(expr)
			}
			value = float64(l)
		case "json":
			b, err := json.Marshal(value)
			if err != nil {
				return nil, errs.Wrap(errs.CodeTemplateError, "json filter failed to encode value", err).WithDetail(expr)
			}
			value = string(b)
		default:
			return nil, errs.New(errs.CodeTemplateError, "unknown filter").WithDetail(name)
		}
	}

	if !exists {
		return nil, errs.New(errs.CodeTemplateError, "unresolved identifier").WithDetail(pathExpr)
	}
	return value, nil
}

// CheckSyntax validates that every `{{ … }}` expression in tmpl is
// well-formed — balanced delimiters, a path rooted at an allowed name, and a
// parseable filter pipeline — without resolving any identifier against real
// data. The workflow validator uses this to catch malformed templates at
// validation time while leaving identifier resolution a runtime concern.
func CheckSyntax(tmpl string) error {
	matches, err := findExpressions(tmpl)
	if err != nil {
		return err
	}
	for _, m := range matches {
		segments := splitPipeline(m.expr)
		pathExpr := strings.TrimSpace(segments[0])
		if pathExpr == "" {
			return errs.New(errs.CodeTemplateError, "empty path in template expression").WithDetail(m.expr)
		}
		root := pathExpr
		if i := strings.IndexAny(root, ".["); i >= 0 {
			root = root[:i]
		}
		if !allowedRoots[root] {
			return errs.New(errs.CodeTemplateError, "unresolved identifier").WithDetail(root)
		}
		if _, err := toGJSONPath(pathExpr); err != nil {
			return errs.Wrap(errs.CodeTemplateError, "malformed path", err).WithDetail(m.expr)
		}
		for _, raw := range segments[1:] {
			if _, _, err := parseFilter(raw); err != nil {
				return errs.Wrap(errs.CodeTemplateError, "malformed filter", err).WithDetail(m.expr)
			}
		}
	}
	return nil
}

// splitPipeline splits a template expression on top-level `|` characters,
// i.e. ones not inside a filter call's parentheses.
func splitPipeline(expr string) []string {
	var out []string
	depth := 0
	last := 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '|':
			if depth == 0 {
				out = append(out, expr[last:i])
				last = i + 1
			}
		}
	}
	out = append(out, expr[last:])
	return out
}

// parseFilter parses "name" or "name(arg)" into its name and a decoded
// argument value (string/number/bool/null literal).
func parseFilter(raw string) (string, any, error) {
	raw = strings.TrimSpace(raw)
	open := strings.Index(raw, "(")
	if open == -1 {
		return raw, nil, nil
	}
	if !strings.HasSuffix(raw, ")") {
		return "", nil, fmt.Errorf("unterminated filter argument in %q", raw)
	}
	name := strings.TrimSpace(raw[:open])
	argStr := strings.TrimSpace(raw[open+1 : len(raw)-1])
	val, err := parseLiteral(argStr)
	if err != nil {
		return "", nil, err
	}
	return name, val, nil
}

func parseLiteral(s string) (any, error) {
	switch {
	case s == "null":
		return nil, nil
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"':
		var out string
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n, nil
		}
		return s, nil
	}
}

// toGJSONPath translates the spec's `a.b[0].c` bracket-index syntax to
// gjson's own `a.b.0.c` dotted-index syntax.
func toGJSONPath(path string) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '[':
			closeAt := strings.IndexByte(path[i:], ']')
			if closeAt == -1 {
				return "", fmt.Errorf("unterminated index in %q", path)
			}
			idx := path[i+1 : i+closeAt]
			if _, err := strconv.Atoi(idx); err != nil {
				return "", fmt.Errorf("non-numeric index %q in %q", idx, path)
			}
			sb.WriteByte('.')
			sb.WriteString(idx)
			i += closeAt
		default:
			sb.WriteByte(path[i])
		}
	}
	return sb.String(), nil
}

func lengthOf(v any) (int, error) {
	switch t := v.(type) {
	case string:
		return len(t), nil
	case []any:
		return len(t), nil
	case map[string]any:
		return len(t), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("value of type %T has no length", v)
	}
}
