// Package semantic evaluates a Wing's semantic_rules against a merged
// correlation record, producing normalized tags (e.g. "persistence",
// "lateral_movement") from AND/OR wildcard field-condition trees, and
// applies semantic_mappings to translate technical field values into
// analyst-facing labels before those trees run.
//
// The condition tree is compiled into a single CEL boolean expression
// per rule (one pre-compiled cel.Program, evaluated against a dynamic
// variable map) rather than hand-walked at match time, so a run with
// many rules and many records still evaluates each rule once per
// record in compiled form.
package semantic

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/forensiclab/wingcorrelate/pkg/wing"
)

// Engine holds the compiled CEL programs for one Wing's semantic_rules.
type Engine struct {
	env      *cel.Env
	compiled []compiledRule
	mappings map[mappingKey]string
}

type compiledRule struct {
	tag     string
	program cel.Program
}

type mappingKey struct {
	sourceID string
	field    string
	value    string
}

// New compiles the given semantic rules and indexes the given semantic
// mappings. Returns an error if any rule's condition tree fails to
// compile into a valid boolean CEL expression.
func New(rules []wing.SemanticRule, mappings []wing.SemanticMapping) (*Engine, error) {
	env, err := cel.NewEnv(cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("semantic: create CEL env: %w", err)
	}

	e := &Engine{env: env, mappings: make(map[mappingKey]string, len(mappings))}

	for _, r := range rules {
		expr, err := buildExpression(r.Tree)
		if err != nil {
			return nil, fmt.Errorf("semantic rule %q: %w", r.Tag, err)
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("semantic rule %q: compile %q: %w", r.Tag, expr, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("semantic rule %q: expression must return bool", r.Tag)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("semantic rule %q: program: %w", r.Tag, err)
		}
		e.compiled = append(e.compiled, compiledRule{tag: r.Tag, program: prg})
	}

	for _, m := range mappings {
		e.mappings[mappingKey{m.SourceID, m.Field, m.TechnicalValue}] = m.SemanticValue
	}

	return e, nil
}

// ApplyMappings returns a copy of fields where any (sourceID, field,
// value) triple matching a configured semantic_mapping has its value
// replaced by the mapped semantic label.
func (e *Engine) ApplyMappings(sourceID string, fields map[string]any) map[string]any {
	if len(e.mappings) == 0 {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
		s, ok := v.(string)
		if !ok {
			continue
		}
		if mapped, found := e.mappings[mappingKey{sourceID, k, s}]; found {
			out[k] = mapped
		}
	}
	return out
}

// Tags evaluates every compiled semantic rule against merged, returning
// the tags of every rule whose condition tree evaluates true.
func (e *Engine) Tags(merged map[string]any) []string {
	var tags []string
	for _, r := range e.compiled {
		out, _, err := r.program.Eval(map[string]any{"record": merged})
		if err != nil {
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			tags = append(tags, r.tag)
		}
	}
	return tags
}

// buildExpression recursively converts a ConditionNode tree into a CEL
// boolean expression string over the `record` map variable.
func buildExpression(node wing.ConditionNode) (string, error) {
	if node.IsLeaf() {
		if node.Field == "" {
			return "", fmt.Errorf("leaf node missing field")
		}
		re := globToRegexp(node.Pattern)
		lit := celStringLit(node.Field)
		return fmt.Sprintf(`(%s in record) ? string(record[%s]).matches(%q) : false`,
			lit, lit, re), nil
	}
	if len(node.Children) == 0 {
		return "", fmt.Errorf("non-leaf node %q has no children", node.Op)
	}
	joiner := " && "
	switch node.Op {
	case "and":
		joiner = " && "
	case "or":
		joiner = " || "
	default:
		return "", fmt.Errorf("unknown op %q", node.Op)
	}
	parts := make([]string, 0, len(node.Children))
	for _, c := range node.Children {
		sub, err := buildExpression(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+sub+")")
	}
	return strings.Join(parts, joiner), nil
}

// celStringLit renders field as a quoted CEL string literal, used both
// for the map-membership check and the map index itself so field names
// with characters CEL identifiers disallow (dots from flattened nested
// JSON, spaces) still work.
func celStringLit(field string) string {
	return fmt.Sprintf("%q", field)
}

// globToRegexp converts a simple glob pattern (`*` and `?` wildcards)
// into an anchored RE2 expression suitable for CEL's `matches` macro.
func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
