package remediation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/ato-compliance/internal/errs"
)

// Backup is the pre-change state of a resource.
type Backup struct {
	BackupID   string          `json:"backupId"`
	ResourceID string          `json:"resourceId"`
	APIVersion string          `json:"apiVersion,omitempty"`
	CapturedAt time.Time       `json:"capturedAt"`
	State      json.RawMessage `json:"state"`
}

// BackupStore persists resource snapshots for rollback.
type BackupStore interface {
	Save(b Backup) error
	Load(backupID string) (Backup, error)
	List() ([]Backup, error)
}

// FileBackupStore keeps one JSON file per backup in a directory.
type FileBackupStore struct {
	dir string
}

// NewFileBackupStore creates the directory if needed.
func NewFileBackupStore(dir string) (*FileBackupStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errs.Invalid("backupDir", dir, "backup directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup dir %s: %w", dir, err)
	}
	return &FileBackupStore{dir: dir}, nil
}

func (s *FileBackupStore) path(backupID string) (string, error) {
	if backupID == "" || strings.ContainsAny(backupID, `/\`) || strings.Contains(backupID, "..") {
		return "", errs.Invalid("backupId", backupID, "malformed backup id")
	}
	return filepath.Join(s.dir, backupID+".json"), nil
}

// Save writes the backup atomically.
func (s *FileBackupStore) Save(b Backup) error {
	p, err := s.path(b.BackupID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return &errs.SerializationError{Format: "json", Item: b.BackupID, Err: err}
	}
	if err := writeFileAtomic(p, data); err != nil {
		return fmt.Errorf("failed to write backup %s: %w", b.BackupID, err)
	}
	return nil
}

// Load reads a backup by id.
func (s *FileBackupStore) Load(backupID string) (Backup, error) {
	p, err := s.path(backupID)
	if err != nil {
		return Backup{}, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return Backup{}, errs.NotFound("backup", backupID)
	}
	if err != nil {
		return Backup{}, fmt.Errorf("failed to read backup %s: %w", backupID, err)
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return Backup{}, fmt.Errorf("corrupt backup %s: %w", backupID, err)
	}
	return b, nil
}

// List returns all backups, oldest first.
func (s *FileBackupStore) List() ([]Backup, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	var out []Backup
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := s.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// writeFileAtomic writes to a temp file, fsyncs and renames into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	return d.Sync()
}
