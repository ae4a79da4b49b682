package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/gotd/td/tg"
)

func newBareClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		AccountID:   uuid.New(),
		Phone:       "+10000000050",
		APIID:       1,
		APIHash:     "hash",
		SessionPath: filepath.Join(t.TempDir(), "session.json"),
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(ClientConfig{SessionPath: "s.json"})
	if err == nil {
		t.Error("NewClient() without api credentials succeeded")
	}

	_, err = NewClient(ClientConfig{APIID: 1, APIHash: "hash"})
	if err == nil {
		t.Error("NewClient() without session path succeeded")
	}
}

// A run loop that exits mid-session must leave the client reporting dead,
// so the pool evicts it and restores a fresh one next cycle.
func TestClient_RunExitMarksDisconnected(t *testing.T) {
	client := newBareClient(t)

	// simulate the state right after a successful connect
	client.mu.Lock()
	client.connected = true
	client.api = &tg.Client{}
	client.mu.Unlock()

	// what the run goroutine does when client.Run returns
	client.markDisconnected()

	if client.IsConnected() {
		t.Error("IsConnected() = true after the run loop exited")
	}
	if _, err := client.apiClient(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("apiClient() error = %v, want ErrNotConnected", err)
	}

	// a second invocation (Disconnect racing the run goroutine) is harmless
	client.markDisconnected()
	if client.IsConnected() {
		t.Error("IsConnected() = true after repeated markDisconnected")
	}
}

func TestClient_DisconnectWhenNeverConnected(t *testing.T) {
	client := newBareClient(t)
	if err := client.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect() on a fresh client error = %v", err)
	}
}
