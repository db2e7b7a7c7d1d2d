package chatlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Backend stores opaque log records per instance. Append must be atomic per
// record and Read must return records in append order.
type Backend interface {
	Append(ctx context.Context, instanceID string, rec []byte) error
	Read(ctx context.Context, instanceID string) ([][]byte, error)
	Remove(ctx context.Context, instanceID string) error
}

// FileBackend keeps one JSON-lines file per instance.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (f *FileBackend) path(instanceID string) string {
	return filepath.Join(f.dir, instanceID+".jsonl")
}

func (f *FileBackend) Append(ctx context.Context, instanceID string, rec []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return fmt.Errorf("create chat dir: %w", err)
	}
	fh, err := os.OpenFile(f.path(instanceID), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	defer fh.Close()

	buf := make([]byte, 0, len(rec)+2)
	// a torn tail from an interrupted write must not swallow this record
	if torn, err := endsTorn(fh); err != nil {
		return err
	} else if torn {
		buf = append(buf, '\n')
	}
	buf = append(buf, rec...)
	buf = append(buf, '\n')
	if _, err := fh.Write(buf); err != nil {
		return fmt.Errorf("append chat log: %w", err)
	}
	if err := fh.Sync(); err != nil {
		return fmt.Errorf("sync chat log: %w", err)
	}
	return nil
}

func endsTorn(fh *os.File) (bool, error) {
	st, err := fh.Stat()
	if err != nil {
		return false, fmt.Errorf("stat chat log: %w", err)
	}
	if st.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := fh.ReadAt(last, st.Size()-1); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read chat log tail: %w", err)
	}
	return last[0] != '\n', nil
}

// Read returns complete lines only. A trailing line without a newline is the
// remains of an interrupted append and is dropped.
func (f *FileBackend) Read(ctx context.Context, instanceID string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path(instanceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chat log: %w", err)
	}
	lines := bytes.Split(b, []byte{'\n'})
	// the element after the final newline is either empty or torn
	lines = lines[:len(lines)-1]
	out := make([][]byte, 0, len(lines))
	for _, l := range lines {
		if len(bytes.TrimSpace(l)) > 0 {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *FileBackend) Remove(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.path(instanceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove chat log: %w", err)
	}
	return nil
}
