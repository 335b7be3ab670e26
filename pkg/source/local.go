package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/eunmann/logscan/internal/logctx"
	"github.com/eunmann/logscan/pkg/retry"
)

// LocalTree is a directory walked recursively in lexical order.
type LocalTree struct {
	root  string
	match func(rel string) bool
	retry retry.Policy
}

// NewLocalTree returns a source over root selecting files by patterns.
func NewLocalTree(root string, patterns []string) *LocalTree {
	return &LocalTree{root: root, match: matcher(patterns), retry: retry.DefaultPolicy()}
}

// Enumerate walks the tree. WalkDir visits entries in lexical order, so the
// result is stable for an unchanged tree.
func (t *LocalTree) Enumerate(ctx context.Context) ([]string, error) {
	info, err := os.Stat(t.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSource, t.root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidSource, t.root)
	}

	var files []string
	err = filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return err
		}
		if t.match(filepath.ToSlash(rel)) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", t.root, err)
	}

	log := logctx.FromContext(ctx)
	log.Debug().
		Str("root", t.root).
		Int("files", len(files)).
		Msg("enumerated local tree")
	return files, nil
}

// Open opens a file returned by Enumerate.
func (t *LocalTree) Open(ctx context.Context, fileID string) (Lines, error) {
	var f *os.File
	err := t.retry.Do(ctx, "open "+fileID, func(context.Context) error {
		var err error
		f, err = os.Open(fileID)
		if os.IsNotExist(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return newLines(ctx, fileID, f)
}
