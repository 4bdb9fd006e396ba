package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrBusy is returned when a compare-and-swap could not take a key's guard file in time.
var ErrBusy = errors.New("state key busy")

const (
	guardAttempts = 50
	guardWait     = 20 * time.Millisecond
	// a guard older than this was left by a crashed process
	guardStale = 30 * time.Second
)

// FileStore keeps one JSON file per key under dir. Writes go through a temp file and a rename,
// and SetNX uses a hard link so that concurrent processes cannot both create a key. Compare-and-swap
// operations hold a hard-linked guard file per key while they read and replace the value.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(key, ":", "__")+".json")
}

func (s *FileStore) Get(_ context.Context, key string, dest any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, dest)
}

func (s *FileStore) Set(_ context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	tmp, err := s.writeTemp(value)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileStore) SetNX(_ context.Context, key string, value any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	tmp, err := s.writeTemp(value)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, s.path(key)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) CompareAndSet(ctx context.Context, key string, old, value any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	want, err := json.Marshal(old)
	if err != nil {
		return false, err
	}
	return s.guarded(ctx, key, func() (bool, error) {
		if ok, err := s.matches(key, want); !ok || err != nil {
			return false, err
		}
		tmp, err := s.writeTemp(value)
		if err != nil {
			return false, err
		}
		if err := os.Rename(tmp, s.path(key)); err != nil {
			_ = os.Remove(tmp)
			return false, err
		}
		return true, nil
	})
}

func (s *FileStore) CompareAndDelete(ctx context.Context, key string, old any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	want, err := json.Marshal(old)
	if err != nil {
		return false, err
	}
	return s.guarded(ctx, key, func() (bool, error) {
		if ok, err := s.matches(key, want); !ok || err != nil {
			return false, err
		}
		if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		return true, nil
	})
}

func (s *FileStore) matches(key string, want []byte) (bool, error) {
	cur, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(cur, want), nil
}

// guarded runs fn while holding key's guard file.
func (s *FileStore) guarded(ctx context.Context, key string, fn func() (bool, error)) (bool, error) {
	guard := s.path(key) + ".guard"
	tmp, err := s.writeTemp(os.Getpid())
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	for attempt := 1; ; attempt++ {
		err := os.Link(tmp, guard)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, err
		}
		if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > guardStale {
			_ = os.Remove(guard)
			continue
		}
		if attempt >= guardAttempts {
			return false, fmt.Errorf("%w: %s", ErrBusy, key)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(guardWait):
		}
	}
	defer os.Remove(guard)
	return fn()
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) writeTemp(value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
