// Package workspace enumerates detection files under the workspace tree and
// groups them by owning plugin.
package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

// Detection is one workspace file: its local name (file stem), its path
// relative to the workspace root, and its raw content.
type Detection struct {
	Name    string
	Path    string
	Content []byte
}

// Loader reads detections from a workspace root. Only first-level directories
// whose name matches a known plugin are considered; anything else under the
// root is ignored.
type Loader struct {
	root   string
	logger zerolog.Logger
}

// NewLoader creates a loader over root.
func NewLoader(root string, logger zerolog.Logger) *Loader {
	return &Loader{
		root:   root,
		logger: logger.With().Str("component", "workspace").Logger(),
	}
}

// Load enumerates detection files for every plugin in plugins, returning a
// plugin -> local name -> detection mapping. Duplicate local names within a
// plugin fail with DuplicateDetection; non-UTF-8 names fail with BadPath.
func (l *Loader) Load(plugins []string) (map[string]map[string]Detection, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, engine.NewError(engine.KindWorkspaceIO, "unable to read workspace", err)
	}

	known := make(map[string]struct{}, len(plugins))
	for _, p := range plugins {
		known[p] = struct{}{}
	}

	out := make(map[string]map[string]Detection)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		plugin := entry.Name()
		if _, ok := known[plugin]; !ok {
			l.logger.Debug().Str("dir", plugin).Msg("skipping directory without matching plugin")
			continue
		}

		detections, err := l.loadPlugin(plugin)
		if err != nil {
			return nil, err
		}
		out[plugin] = detections
	}
	return out, nil
}

// LoadPlugin enumerates the detections of a single plugin directory.
func (l *Loader) LoadPlugin(plugin string) (map[string]Detection, error) {
	return l.loadPlugin(plugin)
}

func (l *Loader) loadPlugin(plugin string) (map[string]Detection, error) {
	dir := filepath.Join(l.root, plugin)
	detections := make(map[string]Detection)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return engine.NewError(engine.KindWorkspaceIO, "unable to walk workspace", err)
		}
		if d.IsDir() {
			return nil
		}

		base := d.Name()
		if !utf8.ValidString(base) {
			return engine.Errorf(engine.KindBadPath, "non-UTF-8 file name under %s", plugin)
		}

		name := strings.TrimSuffix(base, filepath.Ext(base))
		if prev, ok := detections[name]; ok {
			return engine.Errorf(engine.KindDuplicateDetection,
				"detection %q defined by both %s and %s", name, prev.Path, path).
				WithDetection(name)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return engine.NewError(engine.KindWorkspaceIO, "unable to read detection", err).WithDetection(name)
		}

		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			rel = path
		}
		detections[name] = Detection{Name: name, Path: rel, Content: content}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detections, nil
}

// Contents flattens detections to the name -> bytes view consumed by the
// differ.
func Contents(detections map[string]Detection) map[string][]byte {
	out := make(map[string][]byte, len(detections))
	for name, d := range detections {
		out[name] = d.Content
	}
	return out
}
