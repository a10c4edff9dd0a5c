package gitclient

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultBlobCacheSize is the number of file contents kept in memory.
const DefaultBlobCacheSize = 512

// Auth holds Basic Auth credentials.
// For Bitbucket Cloud access tokens, use "x-token-auth" as Username
// and the token as Password.
type Auth struct {
	Username string
	Password string // or Token
}

// Client holds a clone of the block catalog repository in memory.
// It is safe for concurrent use.
type Client struct {
	// go-git's in-memory storage is not safe for concurrent fetches and reads.
	mu   sync.RWMutex
	repo *git.Repository
	auth *http.BasicAuth
	// Blob contents keyed by content hash. Entries never go stale.
	blobs *lru.Cache[plumbing.Hash, []byte]
}

// New clones the repository at url into memory.
func New(url string, auth *Auth) (*Client, error) {
	blobs, err := lru.New[plumbing.Hash, []byte](DefaultBlobCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Client{blobs: blobs}
	if auth != nil {
		c.auth = &http.BasicAuth{
			Username: auth.Username,
			Password: auth.Password,
		}
	}

	cloneOpts := &git.CloneOptions{
		URL:        url,
		NoCheckout: true, // We only need the object database, not a worktree.
	}
	if c.auth != nil {
		cloneOpts.Auth = c.auth
	}
	repo, err := git.Clone(memory.NewStorage(), nil, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", url, err)
	}
	c.repo = repo
	return c, nil
}

// DefaultBranch returns the short name of the branch HEAD pointed to when cloning.
func (c *Client) DefaultBranch() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	head, err := c.repo.Head()
	if err != nil {
		return "", fmt.Errorf("cannot resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is not a branch: %s", head.Name())
	}
	return head.Name().Short(), nil
}

// Update fetches all branches and tags from the remote.
func (c *Client) Update() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts := &git.FetchOptions{
		RefSpecs: []config.RefSpec{
			"+refs/heads/*:refs/remotes/origin/*",
			"+refs/tags/*:refs/tags/*",
		},
		Force: true,
	}
	if c.auth != nil {
		opts.Auth = c.auth
	}
	err := c.repo.Fetch(opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return nil
}

// ListReferences returns the short names of all branches and tags.
// Remote branches are returned without their remote prefix.
func (c *Client) ListReferences() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs, err := c.repo.References()
	if err != nil {
		return nil, err
	}
	refSet := make(map[string]bool)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name()
		switch {
		case name.IsTag(), name.IsBranch():
			refSet[name.Short()] = true
		case name.IsRemote():
			// refs/remotes/origin/main has the short name origin/main.
			if _, branch, ok := strings.Cut(name.Short(), "/"); ok && branch != "HEAD" {
				refSet[branch] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	references := make([]string, 0, len(refSet))
	for r := range refSet {
		references = append(references, r)
	}
	return references, nil
}

func (c *Client) resolveTree(revision string) (*object.Tree, error) {
	// Fetches only move remote-tracking branches, so they take precedence
	// over local branches of the same name.
	var hash *plumbing.Hash
	err := plumbing.ErrReferenceNotFound
	if !strings.HasPrefix(revision, "refs/") && !strings.HasPrefix(revision, "origin/") {
		hash, err = c.repo.ResolveRevision(plumbing.Revision("origin/" + revision))
	}
	if err != nil {
		hash, err = c.repo.ResolveRevision(plumbing.Revision(revision))
	}
	if err != nil {
		return nil, fmt.Errorf("revision %q not found: %w", revision, err)
	}
	commit, err := c.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("commit lookup failed: %w", err)
	}
	return commit.Tree()
}

// ReadFile returns the contents of filePath at the given revision.
func (c *Client) ReadFile(revision, filePath string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tree, err := c.resolveTree(revision)
	if err != nil {
		return nil, err
	}
	file, err := tree.File(filePath)
	if err != nil {
		return nil, err // object.ErrFileNotFound if missing
	}
	if data, ok := c.blobs.Get(file.Hash); ok {
		return data, nil
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	c.blobs.Add(file.Hash, data)
	return data, nil
}

// ListFilesRecursive lists all files below dirPath at the given revision.
// The returned paths are relative to dirPath.
func (c *Client) ListFilesRecursive(revision, dirPath string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rootTree, err := c.resolveTree(revision)
	if err != nil {
		return nil, err
	}
	targetTree := rootTree
	if dirPath != "" && dirPath != "." && dirPath != "/" {
		targetTree, err = rootTree.Tree(dirPath)
		if err != nil {
			return nil, fmt.Errorf("directory %q not found or invalid: %w", dirPath, err)
		}
	}

	var filePaths []string
	files := targetTree.Files()
	defer files.Close()
	err = files.ForEach(func(f *object.File) error {
		filePaths = append(filePaths, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iteration failed: %w", err)
	}
	return filePaths, nil
}

// CachedBlobs returns the number of file contents currently cached.
func (c *Client) CachedBlobs() int {
	return c.blobs.Len()
}
