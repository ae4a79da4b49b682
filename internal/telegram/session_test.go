package telegram

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/grabfeed/grabfeed/internal/models"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	store, err := NewSessionStore(t.TempDir(), db)
	if err != nil {
		t.Fatalf("NewSessionStore() error = %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

func testAccount(phone string) *models.Account {
	return &models.Account{ID: uuid.New(), Phone: phone}
}

func TestSessionStore_LocatePrefersPointer(t *testing.T) {
	store := newTestStore(t)
	account := testAccount("+10000000001")

	pointed := filepath.Join(store.dir, "custom.json")
	if err := os.WriteFile(pointed, []byte(`{"k":"v"}`), 0600); err != nil {
		t.Fatal(err)
	}
	account.SessionFile = &pointed

	// canonical file also exists but the explicit pointer wins
	if err := os.WriteFile(store.CanonicalPath(account.Phone), []byte(`{}`), 0600); err != nil {
		t.Fatal(err)
	}

	path, err := store.Locate(account)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if path != pointed {
		t.Errorf("Locate() = %q, want %q", path, pointed)
	}
}

func TestSessionStore_LocateFallsBackToCanonical(t *testing.T) {
	store := newTestStore(t)
	account := testAccount("+10000000002")

	// pointer set but the file is gone
	stale := filepath.Join(store.dir, "gone.json")
	account.SessionFile = &stale

	canonical := store.CanonicalPath(account.Phone)
	if err := os.WriteFile(canonical, []byte(`{"k":"v"}`), 0600); err != nil {
		t.Fatal(err)
	}

	path, err := store.Locate(account)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if path != canonical {
		t.Errorf("Locate() = %q, want %q", path, canonical)
	}
}

func TestSessionStore_LocateMaterializesBlob(t *testing.T) {
	store := newTestStore(t)
	account := testAccount("+10000000003")

	blob := []byte(`{"from":"db"}`)
	if err := store.SaveBlob(account.ID, blob); err != nil {
		t.Fatalf("SaveBlob() error = %v", err)
	}

	path, err := store.Locate(account)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if path != store.CanonicalPath(account.Phone) {
		t.Errorf("Locate() = %q, want canonical path", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(blob) {
		t.Errorf("materialized file = %q, want %q", data, blob)
	}
}

func TestSessionStore_LocateNothingUsable(t *testing.T) {
	store := newTestStore(t)
	account := testAccount("+10000000004")

	_, err := store.Locate(account)
	if !errors.Is(err, ErrNoSessionState) {
		t.Errorf("Locate() error = %v, want ErrNoSessionState", err)
	}
}

func TestSessionStore_WorkingCopiesAreDistinct(t *testing.T) {
	store := newTestStore(t)
	phone := "+10000000005"

	canonical := store.CanonicalPath(phone)
	if err := os.WriteFile(canonical, []byte(`{"k":"v"}`), 0600); err != nil {
		t.Fatal(err)
	}

	a, err := store.WorkingCopy(canonical, phone)
	if err != nil {
		t.Fatalf("WorkingCopy() error = %v", err)
	}
	b, err := store.WorkingCopy(canonical, phone)
	if err != nil {
		t.Fatalf("WorkingCopy() error = %v", err)
	}
	if a == b {
		t.Errorf("two working copies share the path %q", a)
	}

	data, err := os.ReadFile(a)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"k":"v"}` {
		t.Errorf("working copy content = %q", data)
	}
}

func TestSessionStore_PromoteBacksUpAndPersists(t *testing.T) {
	store := newTestStore(t)
	account := testAccount("+10000000006")

	canonical := store.CanonicalPath(account.Phone)
	if err := os.WriteFile(canonical, []byte(`old`), 0600); err != nil {
		t.Fatal(err)
	}

	work, err := store.WorkingCopy(canonical, account.Phone)
	if err != nil {
		t.Fatalf("WorkingCopy() error = %v", err)
	}
	if err := os.WriteFile(work, []byte(`refreshed`), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := store.Promote(work, account)
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if got != canonical {
		t.Errorf("Promote() = %q, want %q", got, canonical)
	}

	data, _ := os.ReadFile(canonical)
	if string(data) != "refreshed" {
		t.Errorf("canonical content = %q, want refreshed", data)
	}
	bak, _ := os.ReadFile(canonical + ".bak")
	if string(bak) != "old" {
		t.Errorf("backup content = %q, want old", bak)
	}
	if _, err := os.Stat(work); !os.IsNotExist(err) {
		t.Error("working copy should be removed after promote")
	}

	var blob AccountSession
	if err := store.db.First(&blob, "account_id = ?", account.ID).Error; err != nil {
		t.Fatalf("load blob: %v", err)
	}
	if string(blob.Data) != "refreshed" {
		t.Errorf("blob data = %q, want refreshed", blob.Data)
	}
}
