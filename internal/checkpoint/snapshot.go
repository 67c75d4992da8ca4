package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/gantryhq/gantry/internal/paths"
)

// Snapshot is the serialized state of one resource at a point in time.
// Exists=false records that the resource was absent, so rollback can remove a
// file a step created.
type Snapshot struct {
	Exists bool   `json:"exists"`
	Data   []byte `json:"data,omitempty"`
}

func (s Snapshot) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if len(b) == 0 {
		return s, errors.New("empty snapshot")
	}
	err := json.Unmarshal(b, &s)
	return s, err
}

// Equal compares two snapshots byte for byte.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Exists != o.Exists {
		return false
	}
	if len(s.Data) != len(o.Data) {
		return false
	}
	for i := range s.Data {
		if s.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// Snapshotter reads and restores the live state of a named resource.
type Snapshotter interface {
	Read(resource string) (Snapshot, error)
	Restore(resource string, snap Snapshot) error
}

// FileSnapshotter treats resources as file paths confined to Root.
type FileSnapshotter struct {
	Root string
}

func (f *FileSnapshotter) Read(resource string) (Snapshot, error) {
	if err := paths.ValidateResource(resource); err != nil {
		return Snapshot{}, err
	}
	target, err := paths.SafeJoin(f.Root, resource)
	if err != nil {
		return Snapshot{}, err
	}
	b, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{Exists: false}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Exists: true, Data: b}, nil
}

func (f *FileSnapshotter) Restore(resource string, snap Snapshot) error {
	if err := paths.ValidateResource(resource); err != nil {
		return err
	}
	target, err := paths.SafeJoin(f.Root, resource)
	if err != nil {
		return err
	}
	if !snap.Exists {
		err := os.Remove(target)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, snap.Data, 0o644)
}
