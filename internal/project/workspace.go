package project

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
)

// Workspace maps projects to working directories under a root directory:
// {root}/{owner id}/{slug}. Directories are created on demand.
type Workspace struct {
	fs   afero.Fs
	root string
}

// NewWorkspace creates a Workspace rooted at root on fs.
// A nil fs uses the operating system filesystem.
func NewWorkspace(fs afero.Fs, root string) *Workspace {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Workspace{fs: fs, root: root}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Path returns the working directory for p without touching the filesystem.
func (w *Workspace) Path(p *Project) string {
	return filepath.Join(w.root, strconv.FormatInt(p.OwnerID, 10), p.Slug)
}

// Ensure creates p's working directory if needed and returns its path.
func (w *Workspace) Ensure(p *Project) (string, error) {
	if p.Slug == "" {
		return "", fmt.Errorf("project %d has no slug", p.ID)
	}
	dir := w.Path(p)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Exists reports whether p's working directory has been created.
func (w *Workspace) Exists(p *Project) bool {
	ok, err := afero.DirExists(w.fs, w.Path(p))
	return err == nil && ok
}
