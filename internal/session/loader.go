package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/dreamware/sectioning/internal/model"
	"github.com/dreamware/sectioning/internal/storage"
)

// Loader populates an empty store for a session. It runs under the store's
// write lock and must only use the given writer.
type Loader interface {
	Load(ctx context.Context, session model.AcademicSession, w storage.Writer) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, session model.AcademicSession, w storage.Writer) error

func (f LoaderFunc) Load(ctx context.Context, session model.AcademicSession, w storage.Writer) error {
	return f(ctx, session, w)
}

// Snapshot is the full content of a session store.
type Snapshot struct {
	Offerings    []*model.Offering     `json:"offerings"`
	Students     []*model.Student      `json:"students"`
	Expectations []*model.Expectations `json:"expectations"`
}

// Load installs the snapshot.
func (s *Snapshot) Load(ctx context.Context, _ model.AcademicSession, w storage.Writer) error {
	for _, o := range s.Offerings {
		w.UpdateOffering(o)
	}
	for _, e := range s.Expectations {
		w.UpdateExpectations(e)
	}
	for i, st := range s.Students {
		if i%512 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		w.UpdateStudent(st, true)
	}
	return nil
}

// DirLoader reads "<dir>/<session id>.json" snapshots. A missing file loads
// an empty session.
type DirLoader string

func (d DirLoader) Load(ctx context.Context, session model.AcademicSession, w storage.Writer) error {
	if d == "" {
		return nil
	}
	path := filepath.Join(string(d), strconv.FormatInt(session.ID, 10)+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return snap.Load(ctx, session, w)
}
