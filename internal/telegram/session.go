package telegram

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/grabfeed/grabfeed/internal/models"
)

// AccountSession is the durable copy of an account's serialized client state.
// It survives redeploys with ephemeral disks; the on-disk session file is the
// primary copy and this row is the fallback.
type AccountSession struct {
	AccountID uuid.UUID `gorm:"primaryKey;type:uuid"`
	Data      []byte
	UpdatedAt time.Time
}

// TableName sets the gorm table name.
func (AccountSession) TableName() string { return "account_sessions" }

// SessionStore locates, copies and persists serialized session state.
//
// Location order for an account: the explicit session_file pointer, then the
// deterministic per-phone filename, then the database blob decoded back to
// the deterministic path.
type SessionStore struct {
	dir string
	db  *gorm.DB
}

// NewSessionStore creates a session store rooted at dir.
func NewSessionStore(dir string, db *gorm.DB) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "work"), 0700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &SessionStore{dir: dir, db: db}, nil
}

// Migrate creates the account_sessions table if missing.
func (s *SessionStore) Migrate() error {
	return s.db.AutoMigrate(&AccountSession{})
}

// CanonicalPath returns the deterministic session file path for a phone.
func (s *SessionStore) CanonicalPath(phone string) string {
	return filepath.Join(s.dir, fmt.Sprintf("session_%s.json", phone))
}

// Locate finds a usable session file for the account, materializing the
// database blob to disk as a last resort. Returns ErrNoSessionState when
// nothing usable exists.
func (s *SessionStore) Locate(account *models.Account) (string, error) {
	if account.SessionFile != nil {
		if usable(*account.SessionFile) {
			return *account.SessionFile, nil
		}
	}

	canonical := s.CanonicalPath(account.Phone)
	if usable(canonical) {
		return canonical, nil
	}

	var blob AccountSession
	err := s.db.First(&blob, "account_id = ?", account.ID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoSessionState
		}
		return "", fmt.Errorf("load session blob: %w", err)
	}
	if len(blob.Data) == 0 {
		return "", ErrNoSessionState
	}

	if err := os.WriteFile(canonical, blob.Data, 0600); err != nil {
		return "", fmt.Errorf("materialize session blob: %w", err)
	}
	return canonical, nil
}

// WorkingCopy clones the session file into a uniquely named path so that two
// racing restore attempts never share one file handle.
func (s *SessionStore) WorkingCopy(path, phone string) (string, error) {
	work := filepath.Join(s.dir, "work", fmt.Sprintf("%s.%s.json", phone, uuid.NewString()[:8]))
	if err := copyFile(path, work); err != nil {
		return "", fmt.Errorf("create working copy: %w", err)
	}
	return work, nil
}

// Promote copies a refreshed working file back to the canonical path, keeps a
// .bak of the previous state, persists the blob to the database and removes
// the working copy.
func (s *SessionStore) Promote(workPath string, account *models.Account) (string, error) {
	canonical := s.CanonicalPath(account.Phone)

	if usable(canonical) {
		if err := copyFile(canonical, canonical+".bak"); err != nil {
			return "", fmt.Errorf("write session backup: %w", err)
		}
	}
	if err := copyFile(workPath, canonical); err != nil {
		return "", fmt.Errorf("promote working copy: %w", err)
	}
	_ = os.Remove(workPath)

	data, err := os.ReadFile(canonical)
	if err != nil {
		return "", fmt.Errorf("read session for blob: %w", err)
	}
	if err := s.SaveBlob(account.ID, data); err != nil {
		return "", err
	}
	return canonical, nil
}

// SaveBlob upserts the durable session blob for an account.
func (s *SessionStore) SaveBlob(accountID uuid.UUID, data []byte) error {
	rec := AccountSession{AccountID: accountID, Data: data, UpdatedAt: time.Now()}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("save session blob: %w", err)
	}
	return nil
}

// usable reports whether path exists and is a non-empty regular file.
func usable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
