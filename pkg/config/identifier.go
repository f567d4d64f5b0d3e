package config

import (
	"regexp"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

// identifierPattern is the shape of service and environment identifiers:
// lower-case alphanumeric runs separated by single hyphens.
var identifierPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// EnsureKebabCase validates a service or environment identifier.
func EnsureKebabCase(name string) error {
	if !identifierPattern.MatchString(name) {
		return engine.Errorf(engine.KindConfig,
			"bad format for name %q: lower-case alphanumeric characters separated by single hyphens", name)
	}
	return nil
}
