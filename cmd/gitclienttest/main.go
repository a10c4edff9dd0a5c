package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"

	"github.com/dnswlt/blocksite/internal/blocks"
	"github.com/dnswlt/blocksite/internal/catalog"
	"github.com/dnswlt/blocksite/internal/gitclient"
)

func main() {
	var (
		url        string
		username   string
		password   string
		ref        string
		catalogDir string
	)

	flag.StringVar(&url, "url", "", "Repository URL to inspect")
	flag.StringVar(&username, "user", "", "Username for authentication")
	flag.StringVar(&password, "pass", "", "Password or Token for authentication")
	flag.StringVar(&ref, "ref", "", "Reference (branch or tag) to list blocks from. Empty means the default branch.")
	flag.StringVar(&catalogDir, "catalog-dir", "blocks", "Catalog directory in the repository")
	flag.Parse()

	if url == "" {
		fmt.Println("Error: -url is required")
		flag.Usage()
		os.Exit(1)
	}

	var auth *gitclient.Auth
	if username != "" || password != "" {
		auth = &gitclient.Auth{
			Username: username,
			Password: password,
		}
	}

	client, err := gitclient.New(url, auth)
	if err != nil {
		log.Fatalf("Failed to clone %q: %v", url, err)
	}
	if ref == "" {
		if ref, err = client.DefaultBranch(); err != nil {
			log.Fatalf("No -ref given and no default branch: %v", err)
		}
	}

	// List branches and tags
	refs, err := client.ListReferences()
	if err != nil {
		log.Fatalf("Failed to list references: %v", err)
	}
	fmt.Printf("Branches and tags in %s:\n", url)
	for _, v := range refs {
		fmt.Printf("  %s\n", v)
	}

	// List blocks for the specified revision
	files, err := client.ListFilesRecursive(ref, catalogDir)
	if err != nil {
		log.Fatalf("Failed to list files for revision %q: %v", ref, err)
	}
	fmt.Printf("\nBlocks at revision %q:\n", ref)
	for _, f := range files {
		if path.Base(f) != catalog.MetadataFile {
			continue
		}
		data, err := client.ReadFile(ref, path.Join(catalogDir, f))
		if err != nil {
			log.Fatalf("Failed to read %s: %v", f, err)
		}
		meta, err := blocks.ParseMetadata(data)
		if err != nil {
			fmt.Printf("  %-40s invalid: %v\n", path.Dir(f), err)
			continue
		}
		fmt.Printf("  %-40s %s (%s)\n", path.Dir(f), meta.Name, meta.BlockType.EntryPoint)
	}
	fmt.Printf("\n%d file contents cached\n", client.CachedBlobs())
}
