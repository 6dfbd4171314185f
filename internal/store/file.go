package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kac/caldb/internal/model"
)

// fileBatch buffers one pass worth of records, keyed by id, and writes them
// out in a single file replacement on Commit.
type fileBatch struct {
	path    string
	write   func(w io.Writer, records []model.Record) error
	index   map[string]int
	records []model.Record
}

func newFileBatch(path string, write func(io.Writer, []model.Record) error) *fileBatch {
	return &fileBatch{path: path, write: write, index: make(map[string]int)}
}

func (b *fileBatch) Upsert(ctx context.Context, r model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.LastSynced = time.Now().UTC()
	if i, ok := b.index[r.ID]; ok {
		b.records[i] = r
		return nil
	}
	b.index[r.ID] = len(b.records)
	b.records = append(b.records, r)
	return nil
}

// Commit replaces the file. A batch with no records leaves an existing file
// as it is.
func (b *fileBatch) Commit() error {
	if len(b.records) == 0 {
		return nil
	}
	return writeFileAtomic(b.path, func(w io.Writer) error {
		return b.write(w, b.records)
	})
}

func (b *fileBatch) Close() error {
	b.records = nil
	b.index = nil
	return nil
}

// writeFileAtomic writes to a temporary sibling of path and renames it into
// place, so readers never observe a partial file.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
