// Package sandbox generates the HTML documents that load and render
// third-party blocks inside an isolated frame.
//
// No block code runs on the server. A document is a fixed bootstrap
// script parameterized by a JSON configuration: the block's type and
// source URL, the CDN URLs of its runtime and external dependencies,
// and the block's example data.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dnswlt/blocksite"
	"github.com/dnswlt/blocksite/internal/blocks"
	"github.com/dnswlt/blocksite/internal/config"
	"github.com/dnswlt/blocksite/internal/manifest"
	"go.uber.org/zap"
)

// CatalogReader supplies block metadata and example data.
type CatalogReader interface {
	ListBlocks(ctx context.Context) ([]*blocks.Metadata, error)
	ReadExampleData(ctx context.Context, meta *blocks.Metadata) (*blocks.ExampleData, error)
}

type Options struct {
	Site     config.SiteConfig
	Sandbox  config.SandboxConfig
	Manifest *manifest.Manifest
	Logger   *zap.Logger
	// Metrics is optional.
	Metrics *Metrics
}

// Service is the block loader. It is safe for concurrent use.
type Service struct {
	opts     Options
	catalog  CatalogReader
	template *template.Template
	logger   *zap.Logger
}

// Request identifies the block to load and carries the request attributes the guards check.
type Request struct {
	Path      string
	Origin    string
	Shortname string
	Blockslug string
}

// RequestFromHTTP extracts a Request from r. The block is identified
// by the shortname and blockslug query parameters.
func RequestFromHTTP(r *http.Request) Request {
	q := r.URL.Query()
	return Request{
		Path:      r.URL.Path,
		Origin:    r.Header.Get("Origin"),
		Shortname: q.Get("shortname"),
		Blockslug: q.Get("blockslug"),
	}
}

const contentSecurityPolicy = "sandbox allow-scripts allow-forms allow-popups"

// Document is a generated sandbox document.
type Document struct {
	PackagePath string
	HTML        []byte
}

// InitialData is the example data the rendering harness is seeded with.
// Lists absent from the example graph are omitted, so the harness applies its
// own defaults. Empty lists are kept.
type InitialData struct {
	InitialEntities           []map[string]any `json:"initialEntities,omitzero"`
	InitialEntityTypes        []map[string]any `json:"initialEntityTypes,omitzero"`
	InitialLinks              []map[string]any `json:"initialLinks,omitzero"`
	InitialLinkedAggregations []map[string]any `json:"initialLinkedAggregations,omitzero"`
}

// BootstrapConfig is embedded as JSON into each document and read by its bootstrap script.
type BootstrapConfig struct {
	PackagePath     string            `json:"packagePath"`
	BlockType       blocks.BlockType  `json:"blockType"`
	Source          string            `json:"source"`
	Runtime         RuntimeURLs       `json:"runtime"`
	Externals       ExternalURLLookup `json:"externals"`
	Require         []string          `json:"require"`
	InitialData     InitialData       `json:"initialData"`
	LoadingDelayMs  int64             `json:"loadingDelayMs"`
	SourceTimeoutMs int64             `json:"sourceTimeoutMs"`
}

func New(opts Options, catalog CatalogReader) (*Service, error) {
	if opts.Manifest == nil {
		return nil, errors.New("sandbox: no manifest")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	tmpl, err := template.ParseFS(blocksite.Files, "templates/sandbox.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse sandbox template: %w", err)
	}
	return &Service{
		opts:     opts,
		catalog:  catalog,
		template: tmpl,
		logger:   opts.Logger.Named("sandbox"),
	}, nil
}

// isProductionOrigin reports whether origin denotes the production site.
// Besides an exact match, a bare or differently schemed origin with the same host matches.
func (s *Service) isProductionOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	prod := s.opts.Site.ProductionOrigin
	if origin == prod {
		return true
	}
	return strings.EqualFold(originHost(origin), originHost(prod))
}

func originHost(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return origin
}

func (s *Service) findBlock(ctx context.Context, packagePath string) (*blocks.Metadata, error) {
	catalog, err := s.catalog.ListBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	for _, meta := range catalog {
		if meta.PackagePath == packagePath {
			return meta, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, packagePath)
}

// Generate synthesizes the sandbox document for the requested block.
func (s *Service) Generate(ctx context.Context, req Request) (*Document, error) {
	if strings.HasPrefix(req.Path, s.opts.Site.RewritesPrefix) {
		return nil, ErrRoutingGuard
	}
	if s.isProductionOrigin(req.Origin) {
		return nil, ErrOriginForbidden
	}

	packagePath := blocks.PackagePath(req.Shortname, req.Blockslug)
	meta, err := s.findBlock(ctx, packagePath)
	if err != nil {
		return nil, err
	}
	data, err := s.catalog.ReadExampleData(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to read example data of %s: %w", packagePath, err)
	}
	res, err := s.resolve(meta)
	if err != nil {
		return nil, err
	}
	html, err := s.render(meta, res, data)
	if err != nil {
		return nil, err
	}
	return &Document{
		PackagePath: packagePath,
		HTML:        html,
	}, nil
}

func (s *Service) bootstrapConfig(meta *blocks.Metadata, res *resolution, data *blocks.ExampleData) *BootstrapConfig {
	blockType := meta.BlockType
	// The bootstrap compares against the canonical entry point names.
	blockType.EntryPoint = string(res.EntryPoint)
	cfg := &BootstrapConfig{
		PackagePath:     meta.PackagePath,
		BlockType:       blockType,
		Source:          meta.Source,
		Runtime:         res.Runtime,
		Externals:       res.Externals,
		Require:         res.Require,
		LoadingDelayMs:  s.opts.Sandbox.LoadingDelay.Milliseconds(),
		SourceTimeoutMs: s.opts.Sandbox.SourceTimeout.Milliseconds(),
	}
	if data != nil && data.ExampleGraph != nil {
		g := data.ExampleGraph
		cfg.InitialData = InitialData{
			InitialEntities:           g.Entities,
			InitialEntityTypes:        g.EntityTypes,
			InitialLinks:              g.Links,
			InitialLinkedAggregations: g.LinkedAggregations,
		}
	}
	return cfg
}

func (s *Service) render(meta *blocks.Metadata, res *resolution, data *blocks.ExampleData) ([]byte, error) {
	// json.Marshal escapes <, > and &, so the result is safe inside a script element.
	configJSON, err := json.Marshal(s.bootstrapConfig(meta, res, data))
	if err != nil {
		return nil, fmt.Errorf("failed to encode bootstrap config: %w", err)
	}
	var buf bytes.Buffer
	err = s.template.ExecuteTemplate(&buf, "sandbox.html", map[string]any{
		"Title":            meta.Title(),
		"Config":           template.JS(configJSON),
		"LoadingIndicator": s.opts.Sandbox.LoadingIndicator,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render sandbox document: %w", err)
	}
	return buf.Bytes(), nil
}

// outcome classifies the result of Generate for logging and metrics.
func outcome(err error) string {
	var cfgErr *ConfigurationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRoutingGuard):
		return "routing_guard"
	case errors.Is(err, ErrOriginForbidden):
		return "forbidden"
	case errors.Is(err, ErrBlockNotFound):
		return "not_found"
	case errors.As(err, &cfgErr):
		return "configuration_error"
	}
	return "error"
}

// ServeHTTP responds with the generated document, or with a short plain text
// body and the status matching the error.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := RequestFromHTTP(r)
	doc, err := s.Generate(r.Context(), req)
	s.opts.Metrics.observe(outcome(err), time.Since(start))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	// Block code gets an opaque origin even if the document is opened
	// outside of a sandboxed frame on the site's own origin.
	w.Header().Set("Content-Security-Policy", contentSecurityPolicy)
	w.WriteHeader(http.StatusOK)
	w.Write(doc.HTML)
}

func (s *Service) writeError(w http.ResponseWriter, req Request, err error) {
	switch outcome(err) {
	case "routing_guard":
		writeText(w, http.StatusNotFound, "Not found")
	case "forbidden":
		writeText(w, http.StatusForbidden, "Forbidden")
	case "not_found":
		writeText(w, http.StatusNotFound, "Block not found")
	default:
		s.logger.Error("Failed to generate sandbox document",
			zap.String("shortname", req.Shortname),
			zap.String("blockslug", req.Blockslug),
			zap.Error(err))
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write([]byte(body))
}
