// Package catalog reads block metadata and example data from a store.
//
// Blocks live in the catalog directory as
//
//	<dir>/<shortname>/<blockslug>/block-metadata.json
//
// next to an optional README.md and an optional example graph file.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/dnswlt/blocksite/internal/blocks"
	"github.com/dnswlt/blocksite/internal/config"
	"github.com/dnswlt/blocksite/internal/store"
	"go.uber.org/zap"
)

const (
	MetadataFile            = "block-metadata.json"
	ReadmeFile              = "README.md"
	DefaultExampleGraphFile = "example-graph.json"
)

var ErrInvalidFile = errors.New("invalid block file")

// Reader reads the block catalog. It is safe for concurrent use.
type Reader struct {
	source store.Source
	cfg    config.CatalogConfig
	logger *zap.Logger
}

func NewReader(source store.Source, cfg config.CatalogConfig, logger *zap.Logger) *Reader {
	return &Reader{
		source: source,
		cfg:    cfg,
		logger: logger.Named("catalog"),
	}
}

// ListBlocks returns the metadata of all valid blocks, sorted by package path.
// Blocks with unreadable or invalid metadata are logged and skipped.
func (r *Reader) ListBlocks(ctx context.Context) ([]*blocks.Metadata, error) {
	st, err := r.source.Store("")
	if err != nil {
		return nil, err
	}
	files, err := store.FilesNamed(st, r.cfg.Dir, MetadataFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	var result []*blocks.Metadata
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta, err := r.readMetadata(st, f)
		if err != nil {
			r.logger.Warn("Skipping block", zap.String("file", f), zap.Error(err))
			continue
		}
		result = append(result, meta)
	}
	slices.SortFunc(result, func(a, b *blocks.Metadata) int {
		return strings.Compare(a.PackagePath, b.PackagePath)
	})
	return result, nil
}

// packagePathOf returns the package path of a metadata file in the catalog dir,
// which must be exactly two levels below dir.
func (r *Reader) packagePathOf(file string) (string, bool) {
	rel := strings.TrimPrefix(path.Dir(file), path.Clean(r.cfg.Dir)+"/")
	if strings.Count(rel, "/") != 1 {
		return "", false
	}
	return rel, true
}

func (r *Reader) readMetadata(st store.Store, file string) (*blocks.Metadata, error) {
	packagePath, ok := r.packagePathOf(file)
	if !ok {
		return nil, fmt.Errorf("%w: not at <shortname>/<blockslug>", ErrInvalidFile)
	}
	data, err := st.ReadFile(file)
	if err != nil {
		return nil, err
	}
	meta, err := blocks.ParseMetadata(data)
	if err != nil {
		return nil, err
	}
	meta.PackagePath = packagePath
	meta.Source = r.resolveSource(packagePath, meta.Source)
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// resolveSource turns a source path relative to the block's directory
// into the URL path under which the block's files are served.
func (r *Reader) resolveSource(packagePath, source string) string {
	if source == "" {
		return ""
	}
	if u, err := url.Parse(source); err == nil && (u.IsAbs() || strings.HasPrefix(source, "/")) {
		return source
	}
	return r.cfg.AssetsPrefix + "/" + packagePath + "/" + strings.TrimPrefix(path.Clean(source), "./")
}

// ReadExampleData reads the example graph and README of the given block.
// Missing files are not an error.
func (r *Reader) ReadExampleData(ctx context.Context, meta *blocks.Metadata) (*blocks.ExampleData, error) {
	st, err := r.source.Store("")
	if err != nil {
		return nil, err
	}
	dir := path.Join(r.cfg.Dir, meta.PackagePath)
	result := &blocks.ExampleData{}

	graphFile := meta.ExampleGraph
	if graphFile == "" {
		graphFile = DefaultExampleGraphFile
	}
	data, err := readOptional(st, dir, graphFile)
	if err != nil {
		return nil, err
	}
	if data != nil {
		g, err := blocks.ParseExampleGraph(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", meta.PackagePath, err)
		}
		result.ExampleGraph = g
	}

	readme, err := readOptional(st, dir, ReadmeFile)
	if err != nil {
		return nil, err
	}
	result.Readme = string(readme)
	return result, nil
}

func readOptional(st store.Store, dir, name string) ([]byte, error) {
	p, err := blockFilePath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := st.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// OpenFile reads the file name from the directory of the block at packagePath.
// Files outside the block's directory cannot be read.
func (r *Reader) OpenFile(ctx context.Context, packagePath, name string) ([]byte, error) {
	if !blocks.ValidPackagePath(packagePath) {
		return nil, fmt.Errorf("%w: invalid package path %q", fs.ErrNotExist, packagePath)
	}
	st, err := r.source.Store("")
	if err != nil {
		return nil, err
	}
	p, err := blockFilePath(path.Join(r.cfg.Dir, packagePath), name)
	if err != nil {
		return nil, err
	}
	return st.ReadFile(p)
}

func blockFilePath(dir, name string) (string, error) {
	if !fs.ValidPath(name) || name == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidFile, name)
	}
	return path.Join(dir, name), nil
}
