package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads policy files from ${root}/.logcraft/<plugin_name>/.
type Loader struct {
	root   string
	logger zerolog.Logger
}

// NewLoader creates a loader rooted at the project directory.
func NewLoader(root string, logger zerolog.Logger) *Loader {
	return &Loader{
		root:   root,
		logger: logger.With().Str("component", "policy").Logger(),
	}
}

// Load returns the policies of one plugin in the deterministic lexicographic
// order of their file basenames. A missing policy directory yields no
// policies.
func (l *Loader) Load(plugin string) ([]Policy, error) {
	dir := filepath.Join(l.root, ".logcraft", plugin)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read policy directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	policies := make([]Policy, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("unable to read policy %s: %w", name, err)
		}

		var p Policy
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid policy %s: %w", name, err)
		}
		p.File = name
		if err := validate(&p); err != nil {
			return nil, fmt.Errorf("invalid policy %s: %w", name, err)
		}

		policies = append(policies, p)
	}

	l.logger.Debug().Str("plugin", plugin).Int("count", len(policies)).Msg("policies loaded")
	return policies, nil
}

func validate(p *Policy) error {
	if p.Field == "" {
		return fmt.Errorf("missing field")
	}
	switch p.Check {
	case CheckExistence, CheckAbsence:
	case CheckPattern:
		if p.Regex == "" {
			return fmt.Errorf("pattern check requires a regex")
		}
	case CheckConstraint:
		if p.Validations == nil {
			return fmt.Errorf("constraint check requires validations")
		}
		if min, max := p.Validations.MinLength, p.Validations.MaxLength; min != nil && max != nil && *min > *max {
			return fmt.Errorf("minLength must be less than or equal to maxLength")
		}
	default:
		return fmt.Errorf("unknown check %q", p.Check)
	}
	switch p.Severity {
	case SeverityWarning, SeverityError:
	default:
		return fmt.Errorf("unknown severity %q", p.Severity)
	}
	return nil
}
