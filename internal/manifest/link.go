package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

// Linker gathers a playlist's tracks under <Root>/<Dir>/<label>/ so the folder
// can be copied to a player as-is. Each track is hard-linked; a symlink relative
// to the folder is used when the filesystem refuses hard links.
type Linker struct {
	root   string
	dir    string
	logger *zap.Logger
}

// NewLinker creates a Linker. Locators are resolved against root.
func NewLinker(root, dir string, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{root: root, dir: dir, logger: logger}
}

// Link places every local entry in the label's folder and returns how many
// links exist afterwards. Existing links are left alone; remote and absolute
// locators are ignored.
func (l *Linker) Link(label string, entries []Entry) (int, error) {
	name := tracks.SanitizeName(label)
	if name == "" {
		return 0, errors.New("playlist label is required")
	}
	folder := filepath.Join(l.root, l.dir, name)
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return 0, fmt.Errorf("create playlist folder: %w", err)
	}
	var (
		linked int
		errs   []error
	)
	for _, e := range entries {
		loc := strings.ReplaceAll(e.Locator, "\\", "/")
		if loc == "" || path.IsAbs(loc) || strings.Contains(loc, "://") {
			continue
		}
		target := filepath.Join(l.root, filepath.FromSlash(loc))
		if err := link(target, filepath.Join(folder, path.Base(loc))); err != nil {
			errs = append(errs, err)
			continue
		}
		linked++
	}
	return linked, errors.Join(errs...)
}

func link(target, dst string) error {
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("track %s: %w", target, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dst, err)
	}
	if err := os.Link(target, dst); err == nil {
		return nil
	}
	rel, err := filepath.Rel(filepath.Dir(dst), target)
	if err != nil {
		rel = target
	}
	if err := os.Symlink(rel, dst); err != nil {
		return fmt.Errorf("link %s: %w", dst, err)
	}
	return nil
}
