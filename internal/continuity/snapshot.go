package continuity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xiaoland/beluna-core/internal/coreerr"
	"github.com/xiaoland/beluna-core/internal/ledger"
)

// SnapshotVersion tags the persisted continuity document.
const SnapshotVersion = "beluna.continuity.v1"

// #region snapshot

// Snapshot is the restart document: the ledger plus an opaque cognition
// payload owned by the surrounding runtime.
type Snapshot struct {
	Version   string          `json:"version"`
	CycleID   uint64          `json:"cycle_id"`
	Ledger    ledger.State    `json:"ledger"`
	Cognition json.RawMessage `json:"cognition,omitempty"`
}

// WriteSnapshot replaces the file at path atomically. The document is written
// to a temp file in the same directory, synced, renamed over path, and the
// directory is synced on a best-effort basis.
func WriteSnapshot(path string, snap Snapshot) error {
	if snap.Version == "" {
		snap.Version = SnapshotVersion
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	committed = true

	// Persist the rename itself. Some platforms cannot fsync a directory.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// LoadSnapshot reads the document at path. A missing file reports
// found=false with no error. A version other than SnapshotVersion is fatal.
func LoadSnapshot(path string) (snap Snapshot, found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, coreerr.Wrap(coreerr.KindInvariantViolation, "load_snapshot", "corrupt snapshot "+path, err)
	}
	if snap.Version != SnapshotVersion {
		return Snapshot{}, false, coreerr.Newf(coreerr.KindInvariantViolation, "load_snapshot",
			"snapshot %s has version %q, want %q", path, snap.Version, SnapshotVersion)
	}
	return snap, true, nil
}

// #endregion snapshot
