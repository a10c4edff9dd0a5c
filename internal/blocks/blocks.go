// Package blocks defines the metadata of third-party blocks as read from the catalog.
package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// EntryPoint is the technical shape of a block's export.
type EntryPoint string

const (
	EntryPointReact         EntryPoint = "react"
	EntryPointCustomElement EntryPoint = "custom-element"
	EntryPointHTML          EntryPoint = "html"
)

var ErrUnknownEntryPoint = errors.New("unknown entry point")

// ParseEntryPoint normalizes s case-insensitively to one of the known entry points.
func ParseEntryPoint(s string) (EntryPoint, error) {
	switch e := EntryPoint(strings.ToLower(strings.TrimSpace(s))); e {
	case EntryPointReact, EntryPointCustomElement, EntryPointHTML:
		return e, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntryPoint, s)
}

// BlockType describes how a block's source is loaded.
type BlockType struct {
	EntryPoint string `json:"entryPoint"`
	// TagName is the custom element tag name. Only used for custom-element blocks.
	TagName string `json:"tagName,omitempty"`
}

// Normalized returns the parsed entry point of t.
func (t BlockType) Normalized() (EntryPoint, error) {
	return ParseEntryPoint(t.EntryPoint)
}

// Metadata is the catalog record of a single block.
type Metadata struct {
	// PackagePath identifies the block as <shortname>/<blockslug>.
	// It is derived from the catalog layout, not read from the metadata file.
	PackagePath string `json:"packagePath"`

	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	License     string `json:"license,omitempty"`

	BlockType BlockType `json:"blockType"`
	// Source is the URL or path of the compiled block bundle.
	Source string `json:"source"`
	// Externals maps package names to the versions the block expects
	// the host to supply instead of bundling them.
	Externals map[string]string `json:"externals,omitempty"`
	// ExampleGraph is the name of the file holding example graph data, relative
	// to the block's catalog directory.
	ExampleGraph string `json:"exampleGraph,omitempty"`
}

// Shortname returns the owner part of the package path.
func (m *Metadata) Shortname() string {
	shortname, _, _ := strings.Cut(m.PackagePath, "/")
	return shortname
}

// Blockslug returns the block name part of the package path.
func (m *Metadata) Blockslug() string {
	_, slug, _ := strings.Cut(m.PackagePath, "/")
	return slug
}

// Title returns the display name, falling back to the name and the slug.
func (m *Metadata) Title() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	if m.Name != "" {
		return m.Name
	}
	return m.Blockslug()
}

var pathSegmentRE = regexp.MustCompile(`^@?[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// PackagePath joins shortname and blockslug into a package path.
func PackagePath(shortname, blockslug string) string {
	return shortname + "/" + blockslug
}

// ValidPackagePath reports whether p has the form <shortname>/<blockslug>.
func ValidPackagePath(p string) bool {
	shortname, slug, ok := strings.Cut(p, "/")
	return ok && pathSegmentRE.MatchString(shortname) && pathSegmentRE.MatchString(slug)
}

// Validate checks the fields the sandbox relies on.
func (m *Metadata) Validate() error {
	if !ValidPackagePath(m.PackagePath) {
		return fmt.Errorf("invalid package path %q", m.PackagePath)
	}
	ep, err := m.BlockType.Normalized()
	if err != nil {
		return err
	}
	if ep == EntryPointCustomElement && m.BlockType.TagName == "" {
		return fmt.Errorf("custom-element block %s has no tagName", m.PackagePath)
	}
	if m.Source == "" {
		return fmt.Errorf("block %s has no source", m.PackagePath)
	}
	return nil
}

// ExampleGraph is the bundled fixture data of a block.
type ExampleGraph struct {
	Entities           []map[string]any `json:"entities,omitzero"`
	EntityTypes        []map[string]any `json:"entityTypes,omitzero"`
	Links              []map[string]any `json:"links,omitzero"`
	LinkedAggregations []map[string]any `json:"linkedAggregations,omitzero"`
}

// ExampleData bundles the optional data files that accompany a block's metadata.
type ExampleData struct {
	ExampleGraph *ExampleGraph
	Readme       string
}

// ParseMetadata decodes a block-metadata.json document.
// The package path is not part of the document and must be set by the caller.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid block metadata: %w", err)
	}
	return &m, nil
}

// ParseExampleGraph decodes an example graph document.
func ParseExampleGraph(data []byte) (*ExampleGraph, error) {
	var g ExampleGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("invalid example graph: %w", err)
	}
	return &g, nil
}
