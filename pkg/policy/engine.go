package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	"github.com/go-openapi/jsonpointer"
)

// Engine evaluates policies against detection documents.
type Engine struct {
	// patterns caches compiled regexes by policy source text.
	patterns map[string]*regexp2.Regexp
}

// NewEngine creates a policy engine.
func NewEngine() *Engine {
	return &Engine{patterns: make(map[string]*regexp2.Regexp)}
}

// Evaluate runs policies against one detection document in order. A policy of
// severity error that fails aborts further evaluation of the detection;
// warnings accumulate. The detection must be a JSON document.
func (e *Engine) Evaluate(policies []Policy, detection string, doc []byte) ([]Violation, error) {
	if len(policies) == 0 {
		return nil, nil
	}

	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("detection %s is not a structured document: %w", detection, err)
	}

	var violations []Violation
	for i := range policies {
		p := &policies[i]
		ok, err := e.evaluate(p, parsed)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.File, err)
		}
		if ok {
			continue
		}

		violations = append(violations, Violation{
			Severity:  p.Severity,
			Message:   p.message(),
			Policy:    p.File,
			Detection: detection,
		})
		if p.Severity == SeverityError {
			break
		}
	}
	return violations, nil
}

func (e *Engine) evaluate(p *Policy, doc any) (bool, error) {
	value, found := resolve(p.Field, doc)

	switch p.Check {
	case CheckExistence:
		return found, nil
	case CheckAbsence:
		return !found, nil
	case CheckPattern:
		if !found {
			return false, nil
		}
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		return e.matchPattern(p, s)
	case CheckConstraint:
		if !found {
			return false, nil
		}
		return checkConstraint(p, value), nil
	default:
		return false, fmt.Errorf("unknown check %q", p.Check)
	}
}

// resolve follows a JSON Pointer into the document. An empty pointer targets
// the document root.
func resolve(field string, doc any) (any, bool) {
	if field == "" {
		return doc, true
	}
	ptr, err := jsonpointer.New(field)
	if err != nil {
		return nil, false
	}
	value, _, err := ptr.Get(doc)
	if err != nil {
		return nil, false
	}
	return value, true
}

func (e *Engine) matchPattern(p *Policy, s string) (bool, error) {
	source := p.Regex
	if p.IgnoreCase && !strings.HasPrefix(source, "(?i)") {
		source = "(?i)" + source
	}

	re, ok := e.patterns[source]
	if !ok {
		var err error
		re, err = regexp2.Compile(source, regexp2.None)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", p.Regex, err)
		}
		e.patterns[source] = re
	}

	match, err := re.MatchString(s)
	if err != nil {
		return false, fmt.Errorf("regex %q: %w", p.Regex, err)
	}
	return match, nil
}

func checkConstraint(p *Policy, value any) bool {
	c := p.Validations
	if c == nil {
		return true
	}

	length, hasLength := valueLength(value)
	if c.MinLength != nil && (!hasLength || length < *c.MinLength) {
		return false
	}
	if c.MaxLength != nil && (!hasLength || length > *c.MaxLength) {
		return false
	}

	if len(c.Values) > 0 {
		s, ok := stringForm(value)
		if !ok {
			return false
		}
		for _, allowed := range c.Values {
			if s == allowed || (p.IgnoreCase && strings.EqualFold(s, allowed)) {
				return true
			}
		}
		return false
	}
	return true
}

// valueLength measures a constraint target: code points for strings, element
// counts for arrays and objects.
func valueLength(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		return utf8.RuneCountInString(v), true
	case []any:
		return len(v), true
	case map[string]any:
		return len(v), true
	default:
		return 0, false
	}
}

func stringForm(value any) (string, bool) {
	if s, ok := value.(string); ok {
		return s, true
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", false
	}
	return string(data), true
}
