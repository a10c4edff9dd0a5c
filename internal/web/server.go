package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dnswlt/blocksite"
	"github.com/dnswlt/blocksite/internal/blocks"
	"github.com/dnswlt/blocksite/internal/catalog"
	"github.com/dnswlt/blocksite/internal/config"
	"github.com/dnswlt/blocksite/internal/manifest"
	"github.com/dnswlt/blocksite/internal/sandbox"
	"github.com/dnswlt/blocksite/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// The internal route of the block loader. Requests addressed to it directly are
// always rejected; the public route is /sandbox/{shortname}/{blockslug}.
const sandboxRewritePath = "sandboxed-block-demo"

type ServerOptions struct {
	Addr    string // E.g., "localhost:8080"
	BaseDir string // Directory from which resources (templates etc.) are read. Empty means embedded.
	// Interval at which the source is refreshed (e.g. git fetch). Zero disables refreshing.
	RefreshInterval time.Duration
}

type Server struct {
	opts     ServerOptions
	config   *config.Bundle
	template *template.Template
	source   store.Source
	catalog  *catalog.Reader
	sandbox  *sandbox.Service
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *httpMetrics
}

func NewServer(opts ServerOptions, cfg *config.Bundle, source store.Source, m *manifest.Manifest, logger *zap.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reader := catalog.NewReader(source, cfg.Catalog, logger)
	sb, err := sandbox.New(sandbox.Options{
		Site:     cfg.Site,
		Sandbox:  cfg.Sandbox,
		Manifest: m,
		Logger:   logger,
		Metrics:  sandbox.NewMetrics(registry),
	}, reader)
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:     opts,
		config:   cfg,
		source:   source,
		catalog:  reader,
		sandbox:  sb,
		logger:   logger.Named("web"),
		registry: registry,
		metrics:  newHTTPMetrics(registry),
	}
	if err := s.reloadTemplates(); err != nil {
		return nil, err
	}
	return s, nil
}

// withRequestLogging wraps a handler and logs each request.
// Logs include method, path, status, remote address, and duration.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap ResponseWriter to capture status code
		lrw := &loggingResponseWriter{ResponseWriter: w}

		next.ServeHTTP(lrw, r)

		duration := time.Since(start)
		s.metrics.observe(r, lrw.statusCode, duration)
		s.logger.Info("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", lrw.statusCode),
			zap.Duration("duration", duration),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

func (s *Server) reloadTemplates() error {
	tmpl := template.New("root")
	tmpl = tmpl.Funcs(map[string]any{
		"markdown":   markdown,
		"urlencode":  urlencode,
		"sandboxURL": s.sandboxURL,
	})
	var err error
	if s.opts.BaseDir == "" {
		s.template, err = tmpl.ParseFS(blocksite.Files, "templates/*.html")
	} else {
		s.template, err = tmpl.ParseGlob(path.Join(s.opts.BaseDir, "templates/*.html"))
	}
	return err
}

// sandboxURL returns the URL of the sandbox document of the given block.
func (s *Server) sandboxURL(meta *blocks.Metadata) string {
	base := strings.TrimSuffix(s.config.Site.SandboxBaseURL, "/")
	return base + "/sandbox/" + url.PathEscape(meta.Shortname()) + "/" + url.PathEscape(meta.Blockslug())
}

// serveSandbox serves the block loader under its public path. The block is
// identified by the path, which the loader expects as query parameters.
func (s *Server) serveSandbox(w http.ResponseWriter, r *http.Request, shortname, blockslug string) {
	r2 := r.Clone(r.Context())
	q := r2.URL.Query()
	q.Set("shortname", shortname)
	q.Set("blockslug", blockslug)
	r2.URL.RawQuery = q.Encode()
	s.sandbox.ServeHTTP(w, r2)
}

func (s *Server) serveBlockFile(w http.ResponseWriter, r *http.Request, packagePath, file string) {
	data, err := s.catalog.OpenFile(r.Context(), packagePath, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, catalog.ErrInvalidFile) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to read block file", zap.String("package", packagePath), zap.String("file", file), zap.Error(err))
		http.Error(w, "Failed to read block file", http.StatusInternalServerError)
		return
	}
	contentType := mime.TypeByExtension(path.Ext(file))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	// Sandbox documents may be served from a different origin.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(data)
}

type hubEntry struct {
	Block   *blocks.Metadata
	Summary string
}

func (s *Server) serveHub(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all, err := s.catalog.ListBlocks(ctx)
	if err != nil {
		s.logger.Error("Failed to list blocks", zap.Error(err))
		http.Error(w, "Failed to read catalog", http.StatusInternalServerError)
		return
	}
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	entries := make([]hubEntry, 0, len(all))
	for _, meta := range all {
		if q != "" && !matchesQuery(meta, q) {
			continue
		}
		entries = append(entries, hubEntry{
			Block:   meta,
			Summary: s.blockSummary(ctx, meta),
		})
	}
	s.serveHTMLPage(w, r, "hub.html", map[string]any{
		"Title":  "Blocks",
		"Blocks": entries,
		"Query":  q,
	})
}

func matchesQuery(meta *blocks.Metadata, q string) bool {
	for _, f := range []string{meta.PackagePath, meta.Name, meta.DisplayName, meta.Description} {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// blockSummary returns the description of a block, falling back to the first
// paragraph of its README.
func (s *Server) blockSummary(ctx context.Context, meta *blocks.Metadata) string {
	if meta.Description != "" {
		return meta.Description
	}
	data, err := s.catalog.ReadExampleData(ctx, meta)
	if err != nil {
		s.logger.Warn("Failed to read example data", zap.String("package", meta.PackagePath), zap.Error(err))
		return ""
	}
	return readmeSummary(data.Readme)
}

func (s *Server) serveHubBlock(w http.ResponseWriter, r *http.Request, packagePath string) {
	ctx := r.Context()
	all, err := s.catalog.ListBlocks(ctx)
	if err != nil {
		s.logger.Error("Failed to list blocks", zap.Error(err))
		http.Error(w, "Failed to read catalog", http.StatusInternalServerError)
		return
	}
	var meta *blocks.Metadata
	for _, m := range all {
		if m.PackagePath == packagePath {
			meta = m
			break
		}
	}
	if meta == nil {
		http.Error(w, "Block not found", http.StatusNotFound)
		return
	}
	data, err := s.catalog.ReadExampleData(ctx, meta)
	if err != nil {
		s.logger.Error("Failed to read example data", zap.String("package", packagePath), zap.Error(err))
		http.Error(w, "Failed to read example data", http.StatusInternalServerError)
		return
	}
	// The sandbox renders nothing until it receives an entity.
	exampleEntity := map[string]any{}
	if g := data.ExampleGraph; g != nil && len(g.Entities) > 0 {
		exampleEntity = g.Entities[0]
	}
	s.serveHTMLPage(w, r, "hub_block.html", map[string]any{
		"Title":         meta.Title(),
		"Block":         meta,
		"Readme":        data.Readme,
		"ExampleEntity": exampleEntity,
	})
}

func (s *Server) serveHTMLPage(w http.ResponseWriter, r *http.Request, templateFile string, params map[string]any) {
	var output bytes.Buffer

	nav := NewNavBar(
		NavItem("/hub", "Blocks").Params("q"),
	).SetActive(r.URL.Path).SetParams(r.URL.Query())

	templateParams := map[string]any{
		"Now":      time.Now().Format("2006-01-02 15:04:05"),
		"NavBar":   nav,
		"HelpLink": s.config.UI.HelpLink,
	}
	// Copy template params
	for k, v := range params {
		templateParams[k] = v
	}

	err := s.template.ExecuteTemplate(&output, templateFile, templateParams)
	if err != nil {
		s.logger.Error("Failed to render template", zap.String("template", templateFile), zap.Error(err))
		http.Error(w, "Template rendering error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.Write(output.Bytes())
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Block loader. The internal route exists so that direct requests hit the routing guard.
	mux.Handle("GET "+s.config.Site.RewritesPrefix+sandboxRewritePath, s.sandbox)
	mux.HandleFunc("GET /sandbox/{shortname}/{blockslug}", func(w http.ResponseWriter, r *http.Request) {
		s.serveSandbox(w, r, r.PathValue("shortname"), r.PathValue("blockslug"))
	})
	mux.HandleFunc("GET "+s.config.Catalog.AssetsPrefix+"/{shortname}/{blockslug}/{file...}", func(w http.ResponseWriter, r *http.Request) {
		packagePath := blocks.PackagePath(r.PathValue("shortname"), r.PathValue("blockslug"))
		s.serveBlockFile(w, r, packagePath, r.PathValue("file"))
	})

	// Hub pages
	mux.HandleFunc("GET /hub", func(w http.ResponseWriter, r *http.Request) {
		s.serveHub(w, r)
	})
	mux.HandleFunc("GET /hub/{shortname}/{blockslug}", func(w http.ResponseWriter, r *http.Request) {
		packagePath := blocks.PackagePath(r.PathValue("shortname"), r.PathValue("blockslug"))
		s.serveHubBlock(w, r, packagePath)
	})

	// Health check. Useful for cloud deployments.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Static resources (loading indicator, CSS, etc.)
	if s.opts.BaseDir == "" {
		mux.Handle("GET /static/", http.FileServer(http.FS(blocksite.Files)))
	} else {
		staticFS := http.Dir(path.Join(s.opts.BaseDir, "static"))
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(staticFS)))
	}

	// Default route (all other paths): redirect to the hub
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		refererURL, err := url.Parse(r.Header.Get("Referer"))
		if err == nil && refererURL.Host == r.Host {
			// Request is coming from our own domain: this indicates an internal broken link.
			http.Error(w, "Broken link", http.StatusNotFound)
			return
		}
		http.Redirect(w, r, "/hub", http.StatusTemporaryRedirect)
	})

	return mux
}

// refreshLoop refreshes the source every interval until ctx is done.
func (s *Server) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.source.Refresh(); err != nil {
				s.logger.Error("Failed to refresh source", zap.Error(err))
				continue
			}
			s.logger.Debug("Refreshed source", zap.Duration("duration", time.Since(start)))
		}
	}
}

// Serve starts the HTTP server on s.opts.Addr using the wrapped handler.
// It shuts the server down gracefully when ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.opts.RefreshInterval > 0 {
		go s.refreshLoop(ctx, s.opts.RefreshInterval)
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("url", "http://"+s.opts.Addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.routes())
}
