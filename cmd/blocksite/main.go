package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dnswlt/blocksite/internal/blocks"
	"github.com/dnswlt/blocksite/internal/catalog"
	"github.com/dnswlt/blocksite/internal/config"
	"github.com/dnswlt/blocksite/internal/gitclient"
	"github.com/dnswlt/blocksite/internal/logging"
	"github.com/dnswlt/blocksite/internal/manifest"
	"github.com/dnswlt/blocksite/internal/sandbox"
	"github.com/dnswlt/blocksite/internal/store"
	"github.com/dnswlt/blocksite/internal/web"
	"github.com/peterbourgon/ff/v3"
	"go.uber.org/zap"
)

var (
	// Version is the application version.
	// It is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
)

func gitClientAuthFromEnv() *gitclient.Auth {
	user := os.Getenv("BLOCKSITE_GIT_USER")
	if user == "" {
		return nil
	}
	pass := os.Getenv("BLOCKSITE_GIT_PASSWORD")
	return &gitclient.Auth{
		Username: user,
		Password: pass,
	}
}

// Options contains program options that can be set via command-line flags or environment variables.
type Options struct {
	Addr            string
	RootDir         string
	GitURL          string
	GitRef          string
	ConfigFile      string
	ManifestFile    string
	BaseDir         string
	LogLevel        string
	Dev             bool
	RefreshInterval time.Duration
}

func main() {
	if len(os.Args) < 2 {
		// Default to "serve"
		runServe(os.Args[1:])
		return
	}

	switch os.Args[1] {
	case "check":
		runCheck(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	default:
		// Also default to serve if the argument looks like a flag
		if strings.HasPrefix(os.Args[1], "-") {
			runServe(os.Args[1:])
			return
		}
		fmt.Fprintf(os.Stderr, "Unknown command %q. Available commands: serve, check\n", os.Args[1])
		os.Exit(1)
	}
}

func registerCommonFlags(fs *flag.FlagSet, opts *Options) {
	fs.StringVar(&opts.RootDir, "root-dir", ".", "Root directory of the local data store")
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to the configuration YAML file (relative to git root or local -root-dir). Empty uses defaults.")
	fs.StringVar(&opts.ManifestFile, "manifest", "", "Path to a package.json pinning runtime package versions. Empty uses the embedded manifest.")
	fs.StringVar(&opts.GitURL, "git-url", "", "URL of the git repository to use as the data store")
	fs.StringVar(&opts.GitRef, "git-ref", "", "Git ref (branch or tag) to serve")
	fs.StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&opts.Dev, "dev", false, "Use human-readable development logging")
}

func newLogger(opts Options) *zap.Logger {
	cfg := logging.DefaultConfig()
	cfg.Level = opts.LogLevel
	cfg.Development = opts.Dev
	logger, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// loadConfig reads the site configuration and the manifest.
func loadConfig(opts Options, source store.Source) (*config.Bundle, *manifest.Manifest, error) {
	st, err := source.Store("")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(st, opts.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	m, err := manifest.Load(opts.ManifestFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, m, nil
}

func runServe(args []string) {
	var opts Options
	fs := flag.NewFlagSet("blocksite serve", flag.ExitOnError)
	registerCommonFlags(fs, &opts)
	fs.StringVar(&opts.Addr, "addr", "localhost:8080", "Address to listen on")
	fs.StringVar(&opts.BaseDir, "base-dir", "", "Base directory for resource files. If empty, uses embedded resources (recommended for production).")
	fs.DurationVar(&opts.RefreshInterval, "refresh-interval", 0, "Interval at which to fetch updates from -git-url. Zero disables refreshing.")

	err := ff.Parse(fs, args, ff.WithEnvVarPrefix("BLOCKSITE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(opts)
	defer logger.Sync()
	logger.Info("Starting blocksite", zap.String("version", Version), zap.Any("options", opts))

	source := createStore(opts, logger)
	cfg, m, err := loadConfig(opts, source)
	if err != nil {
		logger.Fatal("Could not load configuration", zap.Error(err))
	}

	server, err := web.NewServer(
		web.ServerOptions{
			Addr:            opts.Addr,
			BaseDir:         opts.BaseDir,
			RefreshInterval: opts.RefreshInterval,
		},
		cfg, source, m, logger,
	)
	if err != nil {
		logger.Fatal("Could not create server", zap.Error(err))
	}

	// Ensure the catalog can be read. Otherwise it's pointless to even start the server.
	all, err := catalog.NewReader(source, cfg.Catalog, logger).ListBlocks(context.Background())
	if err != nil {
		logger.Fatal("Could not read block catalog", zap.Error(err))
	}
	logger.Info("Read block catalog", zap.Int("blocks", len(all)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := server.Serve(ctx); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// runCheck generates the sandbox document of every block in the catalog
// and reports the blocks for which that fails.
func runCheck(args []string) {
	var opts Options
	fs := flag.NewFlagSet("blocksite check", flag.ExitOnError)
	registerCommonFlags(fs, &opts)

	err := ff.Parse(fs, args, ff.WithEnvVarPrefix("BLOCKSITE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(opts)
	defer logger.Sync()

	source := createStore(opts, logger)
	cfg, m, err := loadConfig(opts, source)
	if err != nil {
		logger.Fatal("Could not load configuration", zap.Error(err))
	}
	reader := catalog.NewReader(source, cfg.Catalog, logger)
	sb, err := sandbox.New(sandbox.Options{Site: cfg.Site, Sandbox: cfg.Sandbox, Manifest: m, Logger: logger}, reader)
	if err != nil {
		logger.Fatal("Could not create sandbox", zap.Error(err))
	}

	ctx := context.Background()
	all, err := reader.ListBlocks(ctx)
	if err != nil {
		logger.Fatal("Could not read block catalog", zap.Error(err))
	}
	failed := 0
	for _, meta := range all {
		_, err := sb.Generate(ctx, sandbox.Request{
			Path:      "/sandbox/" + meta.PackagePath,
			Shortname: meta.Shortname(),
			Blockslug: meta.Blockslug(),
		})
		if err != nil {
			failed++
			var cfgErr *sandbox.ConfigurationError
			if errors.As(err, &cfgErr) {
				fmt.Printf("FAIL %s: %s\n", meta.PackagePath, cfgErr.Reason)
			} else {
				fmt.Printf("FAIL %s: %v\n", meta.PackagePath, err)
			}
			continue
		}
		fmt.Printf("ok   %s (%s)\n", meta.PackagePath, entryPointOf(meta))
	}
	fmt.Printf("%d blocks, %d failed\n", len(all), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func entryPointOf(meta *blocks.Metadata) string {
	ep, err := meta.BlockType.Normalized()
	if err != nil {
		return meta.BlockType.EntryPoint
	}
	return string(ep)
}

func createStore(opts Options, logger *zap.Logger) store.Source {
	if opts.GitURL != "" {
		auth := gitClientAuthFromEnv()
		logger.Info("Retrieving catalog from git", zap.String("url", opts.GitURL))
		loader, err := gitclient.New(opts.GitURL, auth)
		if err != nil {
			logger.Fatal("Failed to retrieve git repo", zap.Error(err))
		}
		ref := opts.GitRef
		if ref == "" {
			ref, err = loader.DefaultBranch()
			if err != nil {
				logger.Fatal("No git-ref specified and no default branch found", zap.Error(err))
			}
		}
		logger.Info("Using git ref", zap.String("ref", ref))
		return store.NewGitSource(loader, ref)
	} else if opts.RootDir != "" {
		logger.Info("Using local store", zap.String("root", opts.RootDir))
		return store.NewDiskStore(opts.RootDir)
	}
	logger.Fatal("Neither -root-dir nor -git-url specified")
	return nil
}
