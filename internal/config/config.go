package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dnswlt/blocksite/internal/store"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SiteConfig has the settings that identify the deployment.
type SiteConfig struct {
	// Canonical origin of the production site. Requests carrying this Origin
	// header must not reach the sandbox directly.
	ProductionOrigin string `yaml:"productionOrigin" validate:"required"`
	// Internal route namespace that the sandbox refuses to serve directly.
	RewritesPrefix string `yaml:"rewritesPrefix" validate:"required,startswith=/,endswith=/"`
	// Base URL of the sandbox origin used by hub pages to frame blocks.
	// Empty means the sandbox is served from the same origin.
	SandboxBaseURL string `yaml:"sandboxBaseURL" validate:"omitempty,url"`
}

// SandboxConfig controls the generated sandbox documents.
type SandboxConfig struct {
	CDNHost string `yaml:"cdnHost" validate:"required,hostname"`
	// Package name of the rendering harness, pinned in the manifest.
	HarnessPackage string `yaml:"harnessPackage" validate:"required"`
	// Packages substituted for blocks that declare no externals.
	DefaultExternals []string `yaml:"defaultExternals" validate:"required,min=1,dive,required"`
	// Packages renamed to an ESM-compatible distribution before URL synthesis.
	PackageAliases   map[string]string `yaml:"packageAliases" validate:"dive,keys,required,endkeys,required"`
	LoadingIndicator string            `yaml:"loadingIndicator" validate:"required"`
	// Zero durations select the defaults.
	LoadingDelay  time.Duration `yaml:"loadingDelay" validate:"gt=0"`
	SourceTimeout time.Duration `yaml:"sourceTimeout" validate:"gt=0"`
}

// CatalogConfig locates blocks in the store.
type CatalogConfig struct {
	Dir string `yaml:"dir" validate:"required"`
	// URL path prefix under which block files are served.
	AssetsPrefix string `yaml:"assetsPrefix" validate:"required,startswith=/"`
}

// HelpLink is a custom link shown in the footer.
type HelpLink struct {
	Title string `yaml:"title" validate:"required"`
	URL   string `yaml:"url" validate:"required,url"`
}

// UIConfig has configuration that only affects the hub pages.
type UIConfig struct {
	HelpLink *HelpLink `yaml:"helpLink" validate:"omitempty"`
}

// Bundle is the umbrella struct for the serialized application configuration YAML.
type Bundle struct {
	Site    SiteConfig    `yaml:"site"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Catalog CatalogConfig `yaml:"catalog"`
	UI      UIConfig      `yaml:"ui"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when no config file is given.
func Default() *Bundle {
	b := &Bundle{}
	b.applyDefaults()
	return b
}

func (b *Bundle) applyDefaults() {
	if b.Site.ProductionOrigin == "" {
		b.Site.ProductionOrigin = "https://blockprotocol.org"
	}
	if b.Site.RewritesPrefix == "" {
		b.Site.RewritesPrefix = "/api/rewrites/"
	}
	if b.Sandbox.CDNHost == "" {
		b.Sandbox.CDNHost = "esm.sh"
	}
	if b.Sandbox.HarnessPackage == "" {
		b.Sandbox.HarnessPackage = "mock-block-dock"
	}
	if b.Sandbox.DefaultExternals == nil {
		b.Sandbox.DefaultExternals = []string{"react", "lodash", "twind"}
	}
	// An explicitly empty map disables aliasing; only a missing key gets the default.
	if b.Sandbox.PackageAliases == nil {
		b.Sandbox.PackageAliases = map[string]string{"lodash": "lodash-es"}
	}
	if b.Sandbox.LoadingIndicator == "" {
		b.Sandbox.LoadingIndicator = "/static/blocks-loading.svg"
	}
	if b.Sandbox.LoadingDelay == 0 {
		b.Sandbox.LoadingDelay = 400 * time.Millisecond
	}
	if b.Sandbox.SourceTimeout == 0 {
		b.Sandbox.SourceTimeout = 30 * time.Second
	}
	if b.Catalog.Dir == "" {
		b.Catalog.Dir = "blocks"
	}
	if b.Catalog.AssetsPrefix == "" {
		b.Catalog.AssetsPrefix = "/blocks"
	}
	b.Catalog.AssetsPrefix = strings.TrimSuffix(b.Catalog.AssetsPrefix, "/")
}

// Validate checks the bundle's field constraints.
func (b *Bundle) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Parse decodes a configuration YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Bundle, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var bundle Bundle
	if err := dec.Decode(&bundle); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid configuration YAML: %w", err)
	}
	bundle.applyDefaults()
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Load reads the configuration at configPath from st.
// An empty configPath yields the default configuration.
func Load(st store.Store, configPath string) (*Bundle, error) {
	if configPath == "" {
		return Default(), nil
	}
	bs, err := st.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("could not read config %q: %w", configPath, err)
	}
	bundle, err := Parse(bs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return bundle, nil
}
