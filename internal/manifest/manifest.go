// Package manifest reads the service's own dependency manifest (a package.json),
// which pins the runtime packages supplied to sandboxed blocks.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/dnswlt/blocksite"
	"golang.org/x/mod/semver"
)

// Manifest maps package names to pinned versions.
type Manifest struct {
	Name         string            `json:"name"`
	Dependencies map[string]string `json:"dependencies"`
}

// Parse decodes a package.json document and validates its dependency versions.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default returns the manifest embedded in the binary.
func Default() (*Manifest, error) {
	data, err := blocksite.Files.ReadFile("package.json")
	if err != nil {
		return nil, fmt.Errorf("could not read embedded manifest: %w", err)
	}
	return Parse(data)
}

// Load reads the manifest at path, or the embedded one if path is empty.
func Load(path string) (*Manifest, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read manifest %q: %w", path, err)
	}
	return Parse(data)
}

// Version returns the pinned version of the given package.
func (m *Manifest) Version(pkg string) (string, bool) {
	v, ok := m.Dependencies[pkg]
	return v, ok
}

// MustVersion is like Version, but returns an error naming the package if it is not pinned.
func (m *Manifest) MustVersion(pkg string) (string, error) {
	v, ok := m.Version(pkg)
	if !ok {
		return "", fmt.Errorf("package %q is not pinned in manifest %q", pkg, m.Name)
	}
	return v, nil
}

// Validate checks that every dependency version is a (possibly ^/~ prefixed) semantic version.
func (m *Manifest) Validate() error {
	names := make([]string, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if v := m.Dependencies[name]; !ValidVersion(v) {
			return fmt.Errorf("invalid version %q for dependency %q", v, name)
		}
	}
	return nil
}

// ValidVersion reports whether v is a semantic version, optionally prefixed
// by one of the npm range operators ^, ~ or =.
func ValidVersion(v string) bool {
	v = strings.TrimLeft(strings.TrimSpace(v), "^~=")
	if v == "" {
		return false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.IsValid(v)
}
