package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dnswlt/blocksite/internal/store"
	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	b := Default()
	if err := b.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if b.Sandbox.LoadingDelay != 400*time.Millisecond {
		t.Errorf("LoadingDelay = %v, want 400ms", b.Sandbox.LoadingDelay)
	}
	if diff := cmp.Diff([]string{"react", "lodash", "twind"}, b.Sandbox.DefaultExternals); diff != "" {
		t.Errorf("DefaultExternals mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"lodash": "lodash-es"}, b.Sandbox.PackageAliases); diff != "" {
		t.Errorf("PackageAliases mismatch (-want +got):\n%s", diff)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, b *Bundle)
		wantErr bool
	}{
		{
			name: "empty document uses defaults",
			yaml: "",
			check: func(t *testing.T, b *Bundle) {
				if b.Catalog.Dir != "blocks" {
					t.Errorf("Catalog.Dir = %q, want %q", b.Catalog.Dir, "blocks")
				}
			},
		},
		{
			name: "overrides",
			yaml: `
site:
  productionOrigin: https://example.org
  sandboxBaseURL: https://sandbox.example.org
sandbox:
  cdnHost: cdn.example.org
  loadingDelay: 250ms
  sourceTimeout: 5s
  packageAliases: {}
catalog:
  assetsPrefix: /assets/
ui:
  helpLink:
    title: Help
    url: https://example.org/help
`,
			check: func(t *testing.T, b *Bundle) {
				if b.Site.ProductionOrigin != "https://example.org" {
					t.Errorf("ProductionOrigin = %q", b.Site.ProductionOrigin)
				}
				if b.Sandbox.LoadingDelay != 250*time.Millisecond {
					t.Errorf("LoadingDelay = %v, want 250ms", b.Sandbox.LoadingDelay)
				}
				if b.Sandbox.SourceTimeout != 5*time.Second {
					t.Errorf("SourceTimeout = %v, want 5s", b.Sandbox.SourceTimeout)
				}
				if len(b.Sandbox.PackageAliases) != 0 {
					t.Errorf("PackageAliases = %v, want empty", b.Sandbox.PackageAliases)
				}
				if b.Catalog.AssetsPrefix != "/assets" {
					t.Errorf("AssetsPrefix = %q, want %q", b.Catalog.AssetsPrefix, "/assets")
				}
				if b.UI.HelpLink == nil || b.UI.HelpLink.Title != "Help" {
					t.Errorf("HelpLink = %+v", b.UI.HelpLink)
				}
			},
		},
		{
			name: "zero durations use defaults",
			yaml: "sandbox:\n  loadingDelay: 0s\n  sourceTimeout: 0s\n",
			check: func(t *testing.T, b *Bundle) {
				if b.Sandbox.LoadingDelay != 400*time.Millisecond {
					t.Errorf("LoadingDelay = %v, want 400ms", b.Sandbox.LoadingDelay)
				}
				if b.Sandbox.SourceTimeout != 30*time.Second {
					t.Errorf("SourceTimeout = %v, want 30s", b.Sandbox.SourceTimeout)
				}
			},
		},
		{
			name:    "negative loading delay",
			yaml:    "sandbox:\n  loadingDelay: -1s\n",
			wantErr: true,
		},
		{
			name:    "unknown field",
			yaml:    "sandbox:\n  cdn: esm.sh\n",
			wantErr: true,
		},
		{
			name:    "invalid rewrites prefix",
			yaml:    "site:\n  rewritesPrefix: api/rewrites\n",
			wantErr: true,
		},
		{
			name:    "invalid cdn host",
			yaml:    "sandbox:\n  cdnHost: 'https://esm.sh/'\n",
			wantErr: true,
		},
		{
			name:    "help link without url",
			yaml:    "ui:\n  helpLink:\n    title: Help\n",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Parse([]byte(tc.yaml))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Parse() = %+v, want error", b)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			tc.check(t, b)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "blocksite.yml"), []byte("catalog:\n  dir: hub\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	st := store.NewDiskStore(dir)

	b, err := Load(st, "blocksite.yml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if b.Catalog.Dir != "hub" {
		t.Errorf("Catalog.Dir = %q, want %q", b.Catalog.Dir, "hub")
	}

	if _, err := Load(st, "missing.yml"); err == nil {
		t.Error("Load of missing file: want error, got nil")
	}

	b, err = Load(st, "")
	if err != nil {
		t.Fatalf("Load with empty path failed: %v", err)
	}
	if diff := cmp.Diff(Default(), b); diff != "" {
		t.Errorf("Load(\"\") mismatch (-want +got):\n%s", diff)
	}
}
