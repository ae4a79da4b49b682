package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/grabfeed/grabfeed/internal/logger"
)

// ChannelClient is one live authorized connection for a single account.
// The pool owns all instances; nothing else may open a connection for an
// account while the pool holds one.
type ChannelClient interface {
	AccountID() uuid.UUID
	Phone() string
	IsConnected() bool
	Disconnect(ctx context.Context) error

	ResolveChannel(ctx context.Context, ref string) (Peer, error)
	JoinChannel(ctx context.Context, peer Peer) error
	GetHistory(ctx context.Context, peer Peer, limit int) ([]Message, error)
	DownloadToPath(ctx context.Context, loc tg.InputFileLocationClass, path string) error
}

// Client implements ChannelClient using gotd/td.
type Client struct {
	accountID uuid.UUID
	phone     string
	apiID     int
	apiHash   string

	sessionPath string
	limiter     *RateLimiter
	log         *logger.Logger

	client *telegram.Client
	api    *tg.Client

	connected  bool
	mu         sync.RWMutex
	cancelFunc context.CancelFunc
	runDone    chan struct{}
}

// ClientConfig holds configuration for a per-account client.
type ClientConfig struct {
	AccountID   uuid.UUID
	Phone       string
	APIID       int
	APIHash     string
	SessionPath string
	Limiter     *RateLimiter
}

// NewClient creates a disconnected client for one account.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, fmt.Errorf("api credentials are required")
	}
	if cfg.SessionPath == "" {
		return nil, fmt.Errorf("session path is required")
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = DefaultRateLimiter()
	}

	return &Client{
		accountID:   cfg.AccountID,
		phone:       cfg.Phone,
		apiID:       cfg.APIID,
		apiHash:     cfg.APIHash,
		sessionPath: cfg.SessionPath,
		limiter:     limiter,
		log:         logger.Get(),
	}, nil
}

// AccountID returns the owning account id.
func (c *Client) AccountID() uuid.UUID { return c.accountID }

// Phone returns the owning account phone.
func (c *Client) Phone() string { return c.phone }

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect establishes the MTProto connection and verifies authorization.
// Returns ErrNeedsAuth when the session state is present but not authorized;
// interactive sign-in is never attempted from this path.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.client = telegram.NewClient(c.apiID, c.apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.sessionPath},
	})

	clientCtx, cancel := context.WithCancel(context.Background())

	readyChan := make(chan struct{})
	errChan := make(chan error, 1)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		err := c.client.Run(clientCtx, func(ctx context.Context) error {
			c.mu.Lock()
			c.api = c.client.API()
			c.mu.Unlock()

			status, err := c.client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("check auth status: %w", err)
			}
			if !status.Authorized {
				return ErrNeedsAuth
			}

			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			close(readyChan)

			<-ctx.Done()
			return ctx.Err()
		})
		// The run loop owns the connection: once it returns, for any reason,
		// the client is dead and must report so, or the pool keeps serving it.
		c.markDisconnected()
		select {
		case errChan <- err:
		default:
		}
	}()

	select {
	case <-readyChan:
		c.mu.Lock()
		c.cancelFunc = cancel
		c.runDone = runDone
		c.mu.Unlock()
		c.log.Debug().Str("phone", maskPhone(c.phone)).Msg("telegram: client connected")
		return nil
	case err := <-errChan:
		cancel()
		if err == nil {
			err = ErrNotConnected
		}
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Disconnect tears the connection down, waiting for the run loop to finish
// or the context to expire. Safe to call when already disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	cancel := c.cancelFunc
	runDone := c.runDone
	c.cancelFunc = nil
	c.runDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if runDone != nil {
		select {
		case <-runDone:
		case <-ctx.Done():
			return fmt.Errorf("disconnect %s: %w", maskPhone(c.phone), ctx.Err())
		}
	}
	return nil
}

// markDisconnected clears the live-connection state after the run loop exits,
// whether through Disconnect or a mid-session transport/auth failure.
// Idempotent; safe to race with Disconnect.
func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.api = nil
	cancel := c.cancelFunc
	c.cancelFunc = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// apiClient returns the raw api handle if connected.
func (c *Client) apiClient() (*tg.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.api == nil {
		return nil, ErrNotConnected
	}
	return c.api, nil
}

// ResolveChannel resolves a channel reference (@name, t.me link or bare name)
// to a peer usable for api calls.
func (c *Client) ResolveChannel(ctx context.Context, ref string) (Peer, error) {
	username := NormalizeChannelName(ref)

	if err := c.limiter.Wait(ctx); err != nil {
		return Peer{}, err
	}
	api, err := c.apiClient()
	if err != nil {
		return Peer{}, err
	}

	resolved, err := api.ContactsResolveUsername(ctx, username)
	if err != nil {
		c.noteFloodWait(err)
		return Peer{}, fmt.Errorf("resolve channel %s: %w", username, err)
	}

	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return Peer{
				ID:         ch.ID,
				AccessHash: ch.AccessHash,
				Username:   username,
				Title:      ch.Title,
			}, nil
		}
	}
	return Peer{}, fmt.Errorf("not a channel: %s", username)
}

// JoinChannel subscribes the account to the channel. Joining an already
// joined channel is a provider-side no-op.
func (c *Client) JoinChannel(ctx context.Context, peer Peer) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	api, err := c.apiClient()
	if err != nil {
		return err
	}

	if _, err := api.ChannelsJoinChannel(ctx, peer.InputChannel()); err != nil {
		c.noteFloodWait(err)
		return fmt.Errorf("join channel %s: %w", peer.Username, err)
	}
	return nil
}

// GetHistory fetches the most recent messages from a channel, newest first.
func (c *Client) GetHistory(ctx context.Context, peer Peer, limit int) ([]Message, error) {
	if limit > 100 {
		limit = 100 // telegram api limit
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}

	history, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer.InputPeer(),
		Limit: limit,
	})
	if err != nil {
		c.noteFloodWait(err)
		return nil, fmt.Errorf("get history %s: %w", peer.Username, err)
	}

	return extractMessages(history, peer), nil
}

// DownloadToPath downloads a file location to a local path.
func (c *Client) DownloadToPath(ctx context.Context, loc tg.InputFileLocationClass, path string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	api, err := c.apiClient()
	if err != nil {
		return err
	}

	d := downloader.NewDownloader()
	if _, err := d.Download(api, loc).ToPath(ctx, path); err != nil {
		c.noteFloodWait(err)
		return fmt.Errorf("download to %s: %w", path, err)
	}
	return nil
}

func (c *Client) noteFloodWait(err error) {
	if d, ok := c.limiter.ObserveError(err); ok {
		c.log.Warn().
			Str("phone", maskPhone(c.phone)).
			Dur("wait", d).
			Msg("telegram: FLOOD_WAIT, pausing client")
	}
}

// extractMessages converts a history response to our Message type,
// preserving the provider's newest-first order.
func extractMessages(history tg.MessagesMessagesClass, peer Peer) []Message {
	var raw []tg.MessageClass
	switch h := history.(type) {
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	case *tg.MessagesMessages:
		raw = h.Messages
	default:
		return nil
	}

	var messages []Message
	for _, mc := range raw {
		m, ok := mc.(*tg.Message)
		if !ok {
			continue
		}
		messages = append(messages, Message{
			ID:    m.ID,
			Text:  m.Message,
			Date:  time.Unix(int64(m.Date), 0),
			Peer:  peer,
			Media: m.Media,
			Views: m.Views,
		})
	}
	return messages
}

// IsFloodWait reports whether err carries a provider-mandated wait.
func IsFloodWait(err error) bool {
	_, ok := tgerr.AsFloodWait(err)
	return ok
}

// IsPermanentChannelError reports whether err marks the channel itself as
// invalid or inaccessible. Such channels are skipped without retry.
func IsPermanentChannelError(err error) bool {
	if err == nil {
		return false
	}
	if tgerr.Is(err,
		"CHANNEL_PRIVATE",
		"CHANNEL_INVALID",
		"USERNAME_INVALID",
		"USERNAME_NOT_OCCUPIED",
		"CHAT_ADMIN_REQUIRED",
	) {
		return true
	}
	return strings.Contains(err.Error(), "not a channel")
}

// maskPhone masks a phone number for logging, keeping edges only.
func maskPhone(phone string) string {
	if len(phone) < 4 {
		return "***"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
