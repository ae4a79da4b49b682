package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/tg"

	"github.com/grabfeed/grabfeed/internal/models"
)

// MockClient is a ChannelClient stub for pool and restorer tests.
type MockClient struct {
	accountID uuid.UUID
	phone     string

	mu              sync.Mutex
	connected       bool
	disconnectDelay time.Duration
	Disconnects     int
}

func (m *MockClient) AccountID() uuid.UUID { return m.accountID }
func (m *MockClient) Phone() string        { return m.phone }

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockClient) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.Disconnects++
	delay := m.disconnectDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MockClient) ResolveChannel(ctx context.Context, ref string) (Peer, error) {
	return Peer{Username: NormalizeChannelName(ref)}, nil
}

func (m *MockClient) JoinChannel(ctx context.Context, peer Peer) error { return nil }

func (m *MockClient) GetHistory(ctx context.Context, peer Peer, limit int) ([]Message, error) {
	return nil, nil
}

func (m *MockClient) DownloadToPath(ctx context.Context, loc tg.InputFileLocationClass, path string) error {
	return nil
}

// MockRestorer hands out preconfigured clients and counts restores.
type MockRestorer struct {
	mu       sync.Mutex
	clients  map[uuid.UUID]*MockClient
	errs     map[uuid.UUID]error
	Restores map[uuid.UUID]int
}

func NewMockRestorer() *MockRestorer {
	return &MockRestorer{
		clients:  make(map[uuid.UUID]*MockClient),
		errs:     make(map[uuid.UUID]error),
		Restores: make(map[uuid.UUID]int),
	}
}

func (m *MockRestorer) Restore(ctx context.Context, account models.Account) (ChannelClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Restores[account.ID]++
	if err := m.errs[account.ID]; err != nil {
		return nil, err
	}
	if client, ok := m.clients[account.ID]; ok {
		return client, nil
	}
	client := &MockClient{accountID: account.ID, phone: account.Phone, connected: true}
	m.clients[account.ID] = client
	return client, nil
}

// MockAccountSource serves accounts from a map.
type MockAccountSource struct {
	accounts map[uuid.UUID]*models.Account
}

func NewMockAccountSource(accounts ...*models.Account) *MockAccountSource {
	src := &MockAccountSource{accounts: make(map[uuid.UUID]*models.Account)}
	for _, a := range accounts {
		src.accounts[a.ID] = a
	}
	return src
}

func (m *MockAccountSource) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return m.accounts[id], nil
}

func activeAccount(phone string) *models.Account {
	return &models.Account{ID: uuid.New(), Phone: phone, IsActive: true}
}

func TestPool_ReusesConnectedClient(t *testing.T) {
	account := activeAccount("+10000000020")
	restorer := NewMockRestorer()
	pool := NewPool(restorer, NewMockAccountSource(account), time.Second)

	first, err := pool.Acquire(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	second, err := pool.Acquire(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if first != second {
		t.Error("second Acquire() returned a different client")
	}
	if restorer.Restores[account.ID] != 1 {
		t.Errorf("restore called %d times, want 1", restorer.Restores[account.ID])
	}
}

func TestPool_RestoresDeadClient(t *testing.T) {
	account := activeAccount("+10000000021")
	restorer := NewMockRestorer()
	pool := NewPool(restorer, NewMockAccountSource(account), time.Second)

	client, err := pool.Acquire(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// kill the connection and forget the cached client so a fresh one is made
	if err := client.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	restorer.mu.Lock()
	delete(restorer.clients, account.ID)
	restorer.mu.Unlock()

	fresh, err := pool.Acquire(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("Acquire() after disconnect error = %v", err)
	}
	if fresh == client {
		t.Error("pool returned the dead client")
	}
	if restorer.Restores[account.ID] != 2 {
		t.Errorf("restore called %d times, want 2", restorer.Restores[account.ID])
	}
}

func TestPool_FailedRestoreNotCached(t *testing.T) {
	account := activeAccount("+10000000022")
	restorer := NewMockRestorer()
	restorer.errs[account.ID] = errors.New("temporarily down")
	pool := NewPool(restorer, NewMockAccountSource(account), time.Second)

	if _, err := pool.Acquire(context.Background(), account.ID); err == nil {
		t.Fatal("Acquire() error = nil, want failure")
	}
	if pool.Size() != 0 {
		t.Errorf("pool size = %d after failed restore, want 0", pool.Size())
	}

	// once the restorer recovers, the next acquire succeeds
	restorer.mu.Lock()
	delete(restorer.errs, account.ID)
	restorer.mu.Unlock()

	if _, err := pool.Acquire(context.Background(), account.ID); err != nil {
		t.Fatalf("Acquire() after recovery error = %v", err)
	}
	if restorer.Restores[account.ID] != 2 {
		t.Errorf("restore called %d times, want 2", restorer.Restores[account.ID])
	}
}

func TestPool_AcquireForPrefersBoundAccount(t *testing.T) {
	bound := activeAccount("+10000000023")
	other := activeAccount("+10000000024")
	restorer := NewMockRestorer()
	pool := NewPool(restorer, NewMockAccountSource(bound, other), time.Second)

	// warm the other account into the pool first
	if _, err := pool.Acquire(context.Background(), other.ID); err != nil {
		t.Fatal(err)
	}

	channel := models.Channel{URL: "t.me/somechannel", AccountID: &bound.ID}
	client, err := pool.AcquireFor(context.Background(), channel)
	if err != nil {
		t.Fatalf("AcquireFor() error = %v", err)
	}
	if client.AccountID() != bound.ID {
		t.Errorf("AcquireFor() served by %s, want bound account %s", client.AccountID(), bound.ID)
	}
}

func TestPool_TwoChannelsShareOneClient(t *testing.T) {
	account := activeAccount("+10000000031")
	restorer := NewMockRestorer()
	pool := NewPool(restorer, NewMockAccountSource(account), time.Second)

	first := models.Channel{URL: "t.me/first", AccountID: &account.ID}
	second := models.Channel{URL: "t.me/second", AccountID: &account.ID}

	a, err := pool.AcquireFor(context.Background(), first)
	if err != nil {
		t.Fatalf("AcquireFor(first) error = %v", err)
	}
	b, err := pool.AcquireFor(context.Background(), second)
	if err != nil {
		t.Fatalf("AcquireFor(second) error = %v", err)
	}

	if a != b {
		t.Error("channels bound to one account got different clients")
	}
	if restorer.Restores[account.ID] != 1 {
		t.Errorf("restore called %d times, want 1", restorer.Restores[account.ID])
	}
}

func TestPool_FallbackIsDeterministic(t *testing.T) {
	a := activeAccount("+10000000025")
	b := activeAccount("+10000000026")
	restorer := NewMockRestorer()
	pool := NewPool(restorer, NewMockAccountSource(a, b), time.Second)

	if _, err := pool.Acquire(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(context.Background(), b.ID); err != nil {
		t.Fatal(err)
	}

	wantID := a.ID
	if b.ID.String() < a.ID.String() {
		wantID = b.ID
	}

	// unbound channel: always served by the lowest healthy account id
	channel := models.Channel{URL: "t.me/somechannel"}
	for i := 0; i < 5; i++ {
		client, err := pool.AcquireFor(context.Background(), channel)
		if err != nil {
			t.Fatalf("AcquireFor() error = %v", err)
		}
		if client.AccountID() != wantID {
			t.Fatalf("AcquireFor() served by %s, want %s", client.AccountID(), wantID)
		}
	}
}

func TestPool_AcquireForBoundAccountDownUsesFallback(t *testing.T) {
	bound := activeAccount("+10000000027")
	healthy := activeAccount("+10000000028")
	restorer := NewMockRestorer()
	restorer.errs[bound.ID] = errors.New("restore failed")
	pool := NewPool(restorer, NewMockAccountSource(bound, healthy), time.Second)

	if _, err := pool.Acquire(context.Background(), healthy.ID); err != nil {
		t.Fatal(err)
	}

	channel := models.Channel{URL: "t.me/somechannel", AccountID: &bound.ID}
	client, err := pool.AcquireFor(context.Background(), channel)
	if err != nil {
		t.Fatalf("AcquireFor() error = %v", err)
	}
	if client.AccountID() != healthy.ID {
		t.Errorf("AcquireFor() served by %s, want fallback %s", client.AccountID(), healthy.ID)
	}
}

func TestPool_AcquireForNoClients(t *testing.T) {
	restorer := NewMockRestorer()
	pool := NewPool(restorer, NewMockAccountSource(), time.Second)

	channel := models.Channel{URL: "t.me/somechannel"}
	if _, err := pool.AcquireFor(context.Background(), channel); !errors.Is(err, ErrNoUsableClient) {
		t.Errorf("AcquireFor() error = %v, want ErrNoUsableClient", err)
	}
}

func TestPool_ReleaseAllCompletesDespiteHangingClient(t *testing.T) {
	slow := activeAccount("+10000000029")
	fast := activeAccount("+10000000030")
	restorer := NewMockRestorer()
	restorer.clients[slow.ID] = &MockClient{
		accountID:       slow.ID,
		phone:           slow.Phone,
		connected:       true,
		disconnectDelay: time.Second,
	}
	pool := NewPool(restorer, NewMockAccountSource(slow, fast), 20*time.Millisecond)

	if _, err := pool.Acquire(context.Background(), slow.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Acquire(context.Background(), fast.ID); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		pool.ReleaseAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("ReleaseAll() did not complete with a hanging client")
	}

	if pool.Size() != 0 {
		t.Errorf("pool size = %d after ReleaseAll, want 0", pool.Size())
	}
	if restorer.clients[fast.ID].Disconnects != 1 {
		t.Error("healthy client was not disconnected")
	}
}
