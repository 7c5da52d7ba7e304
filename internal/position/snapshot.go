package position

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

// ShardSnapshot is the persisted state of one shard: its positions and the
// log offsets they reflect. Replaying each topic from Offsets reproduces
// the live state.
type ShardSnapshot struct {
	Shard     int                      `json:"shard"`
	Positions []domain.Position        `json:"positions"`
	Offsets   map[string]map[int]int64 `json:"offsets"`
	CreatedAt time.Time                `json:"created_at"`
}

// snapshotFile wraps the snapshot with its content checksum.
type snapshotFile struct {
	Checksum string        `json:"checksum"`
	Snapshot ShardSnapshot `json:"snapshot"`
}

// SnapshotStore writes checksummed per-shard snapshot files under a
// directory, standing in for object storage.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore creates the snapshot directory if needed.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "snapshot_dir", "cannot create snapshot directory %s", dir)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path(shard int) string {
	return filepath.Join(s.dir, fmt.Sprintf("shard-%03d.json", shard))
}

func checksum(shot *ShardSnapshot) (string, error) {
	body, err := json.Marshal(shot)
	if err != nil {
		return "", errs.Wrap(err, errs.Fatal, "snapshot_encode", "snapshot cannot be serialized")
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Write persists one shard snapshot atomically (write to temp, rename).
func (s *SnapshotStore) Write(shot *ShardSnapshot) error {
	shot.CreatedAt = time.Now().UTC()
	sum, err := checksum(shot)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snapshotFile{Checksum: sum, Snapshot: *shot})
	if err != nil {
		return errs.Wrap(err, errs.Fatal, "snapshot_encode", "snapshot cannot be serialized")
	}

	tmp := s.path(shot.Shard) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(err, errs.Dependency, "snapshot_write", "cannot write snapshot for shard %d", shot.Shard)
	}
	if err := os.Rename(tmp, s.path(shot.Shard)); err != nil {
		return errs.Wrap(err, errs.Dependency, "snapshot_write", "cannot publish snapshot for shard %d", shot.Shard)
	}
	return nil
}

// Load reads one shard snapshot. A missing file returns ok=false; a
// checksum mismatch is Fatal and the shard must replay from zero instead.
func (s *SnapshotStore) Load(shard int) (*ShardSnapshot, bool, error) {
	data, err := os.ReadFile(s.path(shard))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(err, errs.Dependency, "snapshot_read", "cannot read snapshot for shard %d", shard)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, false, errs.Wrap(err, errs.Fatal, "snapshot_corrupt", "snapshot for shard %d unreadable", shard)
	}
	sum, err := checksum(&file.Snapshot)
	if err != nil {
		return nil, false, err
	}
	if sum != file.Checksum {
		return nil, false, errs.New(errs.Fatal, "snapshot_corrupt", "snapshot for shard %d failed checksum", shard)
	}
	return &file.Snapshot, true, nil
}
