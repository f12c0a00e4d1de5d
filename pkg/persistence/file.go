package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	aderrors "github.com/newsharvest/adaptive/pkg/errors"
)

// FileStore persists snapshots as a JSON file, written atomically via a
// temp file rename so a crash mid-write never corrupts the previous
// snapshot.
type FileStore struct {
	path string
}

// NewFileStore creates a file store at path. The parent directory is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return aderrors.Persistence("marshal_snapshot", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return aderrors.Persistence("create_snapshot_dir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".snapshot-*.json")
	if err != nil {
		return aderrors.Persistence("create_temp_snapshot", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return aderrors.Persistence("write_snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return aderrors.Persistence("close_snapshot", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return aderrors.Persistence("rename_snapshot", err)
	}
	return nil
}

func (f *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, aderrors.Persistence("read_snapshot", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, aderrors.Persistence("unmarshal_snapshot", err)
	}
	return &snap, nil
}
