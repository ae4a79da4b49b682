// Package telegram provides the MTProto client layer: per-account clients,
// session restoration and the client pool.
package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"
)

// errors returned by the client layer
var (
	// ErrNeedsAuth means the account has no valid live session and requires
	// an out-of-band interactive sign-in. Never retried headlessly.
	ErrNeedsAuth = errors.New("account needs interactive auth")

	// ErrNotConnected means the client has no live connection.
	ErrNotConnected = errors.New("telegram client not connected")

	// ErrNoSessionState means no usable serialized session state was found
	// for the account (no file pointer, no derived file, no stored blob).
	ErrNoSessionState = errors.New("no session state found")
)

// Message represents a fetched channel message before ingestion.
type Message struct {
	ID     int       // message id (unique within channel)
	Text   string    // message text content
	Date   time.Time // message creation timestamp
	Peer   Peer      // resolved channel the message came from
	Media  tg.MessageMediaClass
	Views  int
}

// Peer is a resolved telegram channel.
type Peer struct {
	ID         int64  // channel id
	AccessHash int64  // access hash for api calls
	Username   string // channel username (without @)
	Title      string // channel title
}

// InputPeer returns the tg input peer for api calls.
func (p Peer) InputPeer() *tg.InputPeerChannel {
	return &tg.InputPeerChannel{ChannelID: p.ID, AccessHash: p.AccessHash}
}

// InputChannel returns the tg input channel for api calls.
func (p Peer) InputChannel() *tg.InputChannel {
	return &tg.InputChannel{ChannelID: p.ID, AccessHash: p.AccessHash}
}

// NormalizeChannelName strips @ and t.me prefixes from a channel reference.
func NormalizeChannelName(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "https://t.me/")
	ref = strings.TrimPrefix(ref, "http://t.me/")
	ref = strings.TrimPrefix(ref, "t.me/")
	ref = strings.TrimPrefix(ref, "@")
	return strings.TrimSuffix(ref, "/")
}

// MessageURL builds the public deep link for a message in a channel.
// Works for public channels; cheap to construct regardless of media download
// outcome, so it is always available as a fallback rendering path.
func MessageURL(channelRef string, messageID int) string {
	return fmt.Sprintf("https://t.me/%s/%d", NormalizeChannelName(channelRef), messageID)
}
