package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func evalOne(t *testing.T, p Policy, doc string) []Violation {
	t.Helper()
	p.File = "test.yaml"
	violations, err := NewEngine().Evaluate([]Policy{p}, "rules/splunk/r1.json", []byte(doc))
	require.NoError(t, err)
	return violations
}

func TestExistenceCheck(t *testing.T) {
	p := Policy{Field: "/title", Check: CheckExistence, Severity: SeverityError}

	assert.Empty(t, evalOne(t, p, `{"title": "x"}`))

	violations := evalOne(t, p, `{"name": "x"}`)
	require.Len(t, violations, 1)
	assert.Equal(t, SeverityError, violations[0].Severity)
	assert.Equal(t, "field '/title' must be present", violations[0].Message)
}

func TestAbsenceCheck(t *testing.T) {
	p := Policy{Field: "/debug", Check: CheckAbsence, Severity: SeverityError}

	// Detections lacking the field pass; those containing it fail.
	assert.Empty(t, evalOne(t, p, `{"title": "x"}`))
	assert.Len(t, evalOne(t, p, `{"debug": false}`), 1)
}

func TestPatternCheck(t *testing.T) {
	p := Policy{Field: "/severity", Check: CheckPattern, Severity: SeverityWarning, Regex: "^(low|medium|high)$"}

	assert.Empty(t, evalOne(t, p, `{"severity": "high"}`))
	assert.Len(t, evalOne(t, p, `{"severity": "HIGH"}`), 1)
	// Missing or non-string fields fail the pattern.
	assert.Len(t, evalOne(t, p, `{}`), 1)
	assert.Len(t, evalOne(t, p, `{"severity": 3}`), 1)

	p.IgnoreCase = true
	assert.Empty(t, evalOne(t, p, `{"severity": "HIGH"}`))
}

func TestConstraintLengths(t *testing.T) {
	p := Policy{
		Field:       "/name",
		Check:       CheckConstraint,
		Severity:    SeverityError,
		Validations: &Constraint{MinLength: intp(3), MaxLength: intp(5)},
	}

	assert.Empty(t, evalOne(t, p, `{"name": "abcd"}`))
	assert.Len(t, evalOne(t, p, `{"name": "ab"}`), 1)
	assert.Len(t, evalOne(t, p, `{"name": "abcdef"}`), 1)
	// Lengths are code points, not bytes.
	assert.Empty(t, evalOne(t, p, `{"name": "héllo"}`))

	// Arrays and objects compare element counts.
	p.Field = "/tags"
	assert.Empty(t, evalOne(t, p, `{"tags": ["a","b","c"]}`))
	assert.Len(t, evalOne(t, p, `{"tags": ["a"]}`), 1)
}

func TestConstraintValues(t *testing.T) {
	p := Policy{
		Field:       "/status",
		Check:       CheckConstraint,
		Severity:    SeverityError,
		Validations: &Constraint{Values: []string{"enabled", "disabled"}},
	}

	assert.Empty(t, evalOne(t, p, `{"status": "enabled"}`))
	assert.Len(t, evalOne(t, p, `{"status": "Enabled"}`), 1)

	p.IgnoreCase = true
	assert.Empty(t, evalOne(t, p, `{"status": "Enabled"}`))
}

func TestErrorSeverityAbortsEvaluation(t *testing.T) {
	policies := []Policy{
		{Field: "/a", Check: CheckExistence, Severity: SeverityWarning, File: "01-warn.yaml"},
		{Field: "/b", Check: CheckExistence, Severity: SeverityError, File: "02-error.yaml"},
		{Field: "/c", Check: CheckExistence, Severity: SeverityError, File: "03-never.yaml"},
	}

	violations, err := NewEngine().Evaluate(policies, "r1.json", []byte(`{}`))
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, "01-warn.yaml", violations[0].Policy)
	assert.Equal(t, "02-error.yaml", violations[1].Policy)
}

func TestMessageSubstitution(t *testing.T) {
	p := Policy{
		Field:    "/title",
		Check:    CheckExistence,
		Severity: SeverityError,
		Message:  "detection is missing ${fieldName}",
	}

	violations := evalOne(t, p, `{}`)
	require.Len(t, violations, 1)
	assert.Equal(t, "detection is missing /title", violations[0].Message)
}

func TestViolationFormatting(t *testing.T) {
	v := Violation{
		Severity:  SeverityWarning,
		Message:   "field '/title' should be present",
		Policy:    "naming.yaml",
		Detection: "rules/splunk/r1.json",
	}
	assert.Equal(t,
		"WARNING field '/title' should be present (policy: naming.yaml, detection: rules/splunk/r1.json)",
		v.String())
}

func TestNestedPointer(t *testing.T) {
	p := Policy{Field: "/parameters/disabled", Check: CheckAbsence, Severity: SeverityError}

	assert.Empty(t, evalOne(t, p, `{"parameters": {"enabled": true}}`))
	assert.Len(t, evalOne(t, p, `{"parameters": {"disabled": true}}`), 1)
}
