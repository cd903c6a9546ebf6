package rollback

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Snapshot is one recorded point-in-time capture of the storage engine and
// the repository's git position.
type Snapshot struct {
	ID          string
	Description string
	GitCommit   string
	GitBranch   string
	DBCopyPath  string
	CreatedAt   time.Time
}

// Manager captures and restores snapshots of the control-plane database,
// pairing each with the git commit/branch active at capture time. The file
// copy completes before the database row recording it is inserted, so a
// crash mid-snapshot leaves an orphaned file rather than a row pointing at
// nothing.
type Manager struct {
	db          *sql.DB
	dbPath      string
	git         *Git
	snapshotDir string
}

// NewManager builds a Manager. dbPath is the live database file snapshots
// are copied from; snapshotDir is where copies are written (created if
// missing).
func NewManager(db *sql.DB, dbPath, repoPath, snapshotDir string) *Manager {
	return &Manager{
		db:          db,
		dbPath:      dbPath,
		git:         NewGit(repoPath),
		snapshotDir: snapshotDir,
	}
}

// Create captures a new snapshot with the given operator-supplied
// description.
func (m *Manager) Create(description string) (*Snapshot, error) {
	if err := os.MkdirAll(m.snapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	id := uuid.NewString()
	copyPath := filepath.Join(m.snapshotDir, id+".db")
	if err := copyFile(m.dbPath, copyPath); err != nil {
		return nil, fmt.Errorf("failed to copy database for snapshot: %w", err)
	}

	commit, _ := m.git.CurrentCommit()
	branch, _ := m.git.CurrentBranch()

	snap := &Snapshot{
		ID:          id,
		Description: description,
		GitCommit:   commit,
		GitBranch:   branch,
		DBCopyPath:  copyPath,
		CreatedAt:   time.Now().UTC(),
	}

	if _, err := m.db.Exec(
		`INSERT INTO rollback_snapshots (id, description, git_commit, git_branch, db_copy_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, nullString(snap.Description), nullString(snap.GitCommit), nullString(snap.GitBranch), snap.DBCopyPath, snap.CreatedAt,
	); err != nil {
		os.Remove(copyPath)
		return nil, fmt.Errorf("failed to record snapshot metadata: %w", err)
	}

	return snap, nil
}

// List returns every snapshot, newest first.
func (m *Manager) List() ([]*Snapshot, error) {
	rows, err := m.db.Query(
		`SELECT id, COALESCE(description, ''), COALESCE(git_commit, ''), COALESCE(git_branch, ''), db_copy_path, created_at
		 FROM rollback_snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.Description, &s.GitCommit, &s.GitBranch, &s.DBCopyPath, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Get returns a single snapshot by id.
func (m *Manager) Get(id string) (*Snapshot, error) {
	row := m.db.QueryRow(
		`SELECT id, COALESCE(description, ''), COALESCE(git_commit, ''), COALESCE(git_branch, ''), db_copy_path, created_at
		 FROM rollback_snapshots WHERE id = ?`, id)
	var s Snapshot
	if err := row.Scan(&s.ID, &s.Description, &s.GitCommit, &s.GitBranch, &s.DBCopyPath, &s.CreatedAt); err != nil {
		return nil, fmt.Errorf("snapshot %q not found: %w", id, err)
	}
	return &s, nil
}

// Restore copies a snapshot's database file back over the live database
// path. Callers must ensure the engine holding dbPath is closed or quiesced
// before calling Restore, since SQLite does not tolerate its backing file
// being replaced out from under an open connection on most platforms.
func (m *Manager) Restore(id string) error {
	snap, err := m.Get(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(snap.DBCopyPath); err != nil {
		return fmt.Errorf("snapshot file missing: %w", err)
	}
	return copyFile(snap.DBCopyPath, m.dbPath)
}

// Prune deletes every snapshot older than keep's most recent N, removing
// both the row and its backing file.
func (m *Manager) Prune(keep int) (int, error) {
	snaps, err := m.List()
	if err != nil {
		return 0, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })

	if keep < 0 {
		keep = 0
	}
	if keep >= len(snaps) {
		return 0, nil
	}

	removed := 0
	for _, s := range snaps[keep:] {
		if _, err := m.db.Exec(`DELETE FROM rollback_snapshots WHERE id = ?`, s.ID); err != nil {
			return removed, fmt.Errorf("failed to delete snapshot row %s: %w", s.ID, err)
		}
		_ = os.Remove(s.DBCopyPath)
		removed++
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dst)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
