package sandbox

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/dnswlt/blocksite/internal/blocks"
)

// Packages that are always supplied to blocks and resolved separately from externals.
const (
	packageReact    = "react"
	packageReactDOM = "react-dom"
)

// ExternalURLLookup maps package names, as requested by a block, to CDN module URLs.
// It never contains react or react-dom.
type ExternalURLLookup map[string]string

// RuntimeURLs are the module URLs every sandbox document imports.
type RuntimeURLs struct {
	React      string `json:"react"`
	ReactDOM   string `json:"reactDom"`
	JSXRuntime string `json:"jsxRuntime"`
	Harness    string `json:"harness"`
}

// resolution is the outcome of dependency resolution for one block.
type resolution struct {
	EntryPoint   blocks.EntryPoint
	ReactVersion string
	Runtime      RuntimeURLs
	Externals    ExternalURLLookup
	// Require lists the names resolvable through the document's require function.
	Require []string
}

// npm package names, optionally scoped.
var packageNameRE = regexp.MustCompile(`^(@[a-z0-9-~][a-z0-9-._~]*/)?[a-z0-9-~][a-z0-9-._~]*$`)

func validPackageName(name string) bool {
	return len(name) <= 214 && packageNameRE.MatchString(name)
}

// validExternalVersion accepts semantic versions, npm ranges and dist tags,
// but nothing that would alter the structure of the synthesized URL.
func validExternalVersion(v string) bool {
	if strings.TrimSpace(v) == "" {
		return false
	}
	return !strings.ContainsAny(v, "/?#&\\\"'<> \t\n")
}

// effectiveExternals returns the externals to supply to the block:
// the declared ones, or the default set at the versions pinned in the manifest.
func (s *Service) effectiveExternals(meta *blocks.Metadata) (map[string]string, error) {
	if len(meta.Externals) > 0 {
		return meta.Externals, nil
	}
	result := make(map[string]string, len(s.opts.Sandbox.DefaultExternals))
	for _, pkg := range s.opts.Sandbox.DefaultExternals {
		v, err := s.opts.Manifest.MustVersion(pkg)
		if err != nil {
			return nil, configErrorf(meta.PackagePath, "default external: %v", err)
		}
		result[pkg] = v
	}
	return result, nil
}

// moduleURL returns the CDN URL of pkg at the given version,
// after applying the configured package aliases.
func (s *Service) moduleURL(pkg, version string) string {
	if alias, ok := s.opts.Sandbox.PackageAliases[pkg]; ok {
		pkg = alias
	}
	return fmt.Sprintf("https://%s/%s@%s", s.opts.Sandbox.CDNHost, pkg, version)
}

// harnessURL returns the CDN URL of the rendering harness, built against the given React version.
// The harness's own lodash import is aliased like the blocks' externals.
func (s *Service) harnessURL(reactVersion string) (string, error) {
	pkg := s.opts.Sandbox.HarnessPackage
	v, err := s.opts.Manifest.MustVersion(pkg)
	if err != nil {
		return "", err
	}
	var aliases []string
	for _, from := range slices.Sorted(maps.Keys(s.opts.Sandbox.PackageAliases)) {
		aliases = append(aliases, from+":"+s.opts.Sandbox.PackageAliases[from])
	}
	// The CDN expects literal separators in these parameters, so no url.Values encoding.
	var query []string
	if len(aliases) > 0 {
		query = append(query, "alias="+strings.Join(aliases, ","))
	}
	query = append(query, "deps="+packageReact+"@"+reactVersion)
	return fmt.Sprintf("https://%s/%s@%s?%s", s.opts.Sandbox.CDNHost, pkg, v, strings.Join(query, "&")), nil
}

// resolve validates the block's externals and computes all module URLs of its document.
func (s *Service) resolve(meta *blocks.Metadata) (*resolution, error) {
	entryPoint, err := meta.BlockType.Normalized()
	if err != nil {
		return nil, configErrorf(meta.PackagePath, "%v", err)
	}
	if len(meta.Externals) > 0 && entryPoint == blocks.EntryPointHTML {
		return nil, configErrorf(meta.PackagePath, "externals are not supported for html blocks")
	}
	externals, err := s.effectiveExternals(meta)
	if err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(externals))
	for _, name := range names {
		if !validPackageName(name) {
			return nil, configErrorf(meta.PackagePath, "invalid external package name %q", name)
		}
		if v := externals[name]; !validExternalVersion(v) {
			return nil, configErrorf(meta.PackagePath, "invalid version %q for external %q", v, name)
		}
	}

	reactVersion, ok := externals[packageReact]
	if !ok {
		if reactVersion, err = s.opts.Manifest.MustVersion(packageReact); err != nil {
			return nil, configErrorf(meta.PackagePath, "%v", err)
		}
	}
	harness, err := s.harnessURL(reactVersion)
	if err != nil {
		return nil, configErrorf(meta.PackagePath, "%v", err)
	}

	res := &resolution{
		EntryPoint:   entryPoint,
		ReactVersion: reactVersion,
		Runtime: RuntimeURLs{
			React:      s.moduleURL(packageReact, reactVersion),
			ReactDOM:   s.moduleURL(packageReactDOM, reactVersion),
			JSXRuntime: s.moduleURL(packageReact, reactVersion) + "/jsx-runtime.js",
			Harness:    harness,
		},
		Externals: make(ExternalURLLookup),
		Require:   []string{packageReact, packageReactDOM},
	}
	for _, name := range names {
		if name == packageReact || name == packageReactDOM {
			continue
		}
		res.Externals[name] = s.moduleURL(name, externals[name])
		res.Require = append(res.Require, name)
	}
	return res, nil
}

