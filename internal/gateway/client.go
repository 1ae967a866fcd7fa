package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wireError is the error object carried in a response frame.
type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface for wireError.
func (e *wireError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// frame is the single wire shape in both directions. Requests set ID and
// Op; responses echo the ID with Data or Error; events set Event.
type frame struct {
	ID    int64           `json:"id,omitempty"`
	Op    string          `json:"op,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *wireError      `json:"error,omitempty"`
}

// response pairs a raw JSON result with an optional error for delivery
// through the pending channel.
type response struct {
	Data  json.RawMessage
	Error *wireError
}

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
)

// Client is one live websocket connection to the gateway daemon, bound to
// a single identity. Inbound events are pushed to a channel; outbound
// requests use id correlation via a pending map.
type Client struct {
	identity string
	logger   *slog.Logger

	conn *websocket.Conn

	nextID  atomic.Int64
	mu      sync.Mutex // protects pending
	writeMu sync.Mutex // gorilla allows a single concurrent writer

	pending map[int64]chan response

	events chan Event
	done   chan struct{} // closed when the read loop exits

	closeOnce sync.Once
}

// Dial opens a gateway connection for one identity. authDir names the
// credential-material directory the daemon should load and persist for
// this session; its contents are opaque to tunzymd.
func Dial(ctx context.Context, gatewayURL, token, identity, authDir string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway URL: %w", err)
	}
	q := u.Query()
	q.Set("identity", identity)
	q.Set("auth", authDir)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		identity: identity,
		logger:   logger.With("identity", identity),
		conn:     conn,
		pending:  make(map[int64]chan response),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Debug("gateway connection established", "url", gatewayURL)
	return c, nil
}

// Events returns the channel of inbound gateway events. The channel is
// closed when the connection drops.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close tears down the websocket. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// RequestPairingCode asks the platform to issue a pairing code for the
// given number. Some gateway versions answer the call directly; others
// deliver the code later as a pairing.code event — callers must be
// prepared for either.
func (c *Client) RequestPairingCode(ctx context.Context, number string) (string, error) {
	raw, err := c.call(ctx, "requestPairingCode", map[string]any{"number": number})
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	var result pairingCodeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("unmarshal pairing code: %w", err)
	}
	return result.Code, nil
}

// SendText sends a plain text message to a chat.
func (c *Client) SendText(ctx context.Context, chat, text string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat": chat,
		"text": text,
	})
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// SendMention sends a text message that structurally mentions the given
// identities.
func (c *Client) SendMention(ctx context.Context, chat, text string, mentions []string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat":     chat,
		"text":     text,
		"mentions": mentions,
	})
	if err != nil {
		return fmt.Errorf("send mention: %w", err)
	}
	return nil
}

// SendImage sends image bytes with an optional caption.
func (c *Client) SendImage(ctx context.Context, chat string, data []byte, caption string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat":    chat,
		"image":   data,
		"caption": caption,
	})
	if err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	return nil
}

// SendSticker sends webp sticker bytes.
func (c *Client) SendSticker(ctx context.Context, chat string, data []byte) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat":    chat,
		"sticker": data,
	})
	if err != nil {
		return fmt.Errorf("send sticker: %w", err)
	}
	return nil
}

// SendVideo sends video bytes with an optional caption.
func (c *Client) SendVideo(ctx context.Context, chat string, data []byte, caption string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat":    chat,
		"video":   data,
		"caption": caption,
	})
	if err != nil {
		return fmt.Errorf("send video: %w", err)
	}
	return nil
}

// SendAudio sends audio bytes, optionally as a push-to-talk voice note.
func (c *Client) SendAudio(ctx context.Context, chat string, data []byte, ptt bool) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat":  chat,
		"audio": data,
		"ptt":   ptt,
	})
	if err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// DeleteMessage requests deletion of a message for everyone in the chat.
func (c *Client) DeleteMessage(ctx context.Context, chat, messageID, participant string) error {
	_, err := c.call(ctx, "deleteMessage", map[string]any{
		"chat":        chat,
		"id":          messageID,
		"participant": participant,
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// GroupMetadata fetches the current membership of a group chat.
func (c *Client) GroupMetadata(ctx context.Context, chat string) (*GroupMetadata, error) {
	raw, err := c.call(ctx, "groupMetadata", map[string]any{"chat": chat})
	if err != nil {
		return nil, fmt.Errorf("group metadata: %w", err)
	}
	var meta GroupMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal group metadata: %w", err)
	}
	return &meta, nil
}

// RemoveParticipants removes members from a group. Requires the session
// to hold administrative capability in that group.
func (c *Client) RemoveParticipants(ctx context.Context, group string, members []string) error {
	_, err := c.call(ctx, "updateParticipants", map[string]any{
		"group":   group,
		"action":  "remove",
		"members": members,
	})
	if err != nil {
		return fmt.Errorf("remove participants: %w", err)
	}
	return nil
}

// ApproveJoinRequests approves every pending membership request for a
// group and returns how many were approved.
func (c *Client) ApproveJoinRequests(ctx context.Context, group string) (int, error) {
	raw, err := c.call(ctx, "approveJoinRequests", map[string]any{"group": group})
	if err != nil {
		return 0, fmt.Errorf("approve join requests: %w", err)
	}
	var result struct {
		Approved int `json:"approved"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("unmarshal approval result: %w", err)
	}
	return result.Approved, nil
}

// DownloadMedia fetches the bytes behind a media reference.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	raw, err := c.call(ctx, "downloadMedia", map[string]any{"id": mediaID})
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	var result mediaResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal media: %w", err)
	}
	return result.Data, nil
}

// Logout asks the platform to revoke this session's credentials.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, "logout", nil)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// call sends a request frame and waits for the matching response.
func (c *Client) call(ctx context.Context, op string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		data = b
	}

	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeFrame(frame{ID: id, Op: op, Data: data}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s frame: %w", op, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Data, nil
	case <-c.done:
		return nil, fmt.Errorf("gateway connection closed")
	}
}

// writeFrame serializes writes to the websocket.
func (c *Client) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// readLoop reads frames from the websocket, routing responses to their
// pending channels and events to the event channel.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("gateway read loop ended", "error", err)
			}
			// Drain any pending requests so callers do not hang.
			c.mu.Lock()
			for id, ch := range c.pending {
				ch <- response{Error: &wireError{Code: -1, Message: "connection closed"}}
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("gateway malformed frame", "error", err, "frame", string(data))
			continue
		}

		// Response — route to the pending channel.
		if f.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()

			if ok {
				ch <- response{Data: f.Data, Error: f.Error}
			} else {
				c.logger.Debug("gateway response for unknown id", "id", f.ID)
			}
			continue
		}

		// Event — decode the payload for the declared kind.
		ev, err := decodeEvent(f)
		if err != nil {
			c.logger.Warn("gateway malformed event", "event", f.Event, "error", err)
			continue
		}

		select {
		case c.events <- ev:
		default:
			c.logger.Warn("gateway event channel full, dropping event", "event", f.Event)
		}
	}
}

// decodeEvent turns an event frame into a typed Event.
func decodeEvent(f frame) (Event, error) {
	ev := Event{Kind: f.Event}
	switch f.Event {
	case EventConnection:
		ev.Connection = &ConnectionUpdate{}
		return ev, json.Unmarshal(f.Data, ev.Connection)
	case EventMessage:
		ev.Message = &Message{}
		return ev, json.Unmarshal(f.Data, ev.Message)
	case EventPairingCode:
		var result pairingCodeResult
		if err := json.Unmarshal(f.Data, &result); err != nil {
			return ev, err
		}
		ev.PairingCode = result.Code
		return ev, nil
	case EventParticipants:
		ev.Participants = &ParticipantsUpdate{}
		return ev, json.Unmarshal(f.Data, ev.Participants)
	default:
		// Unknown kinds flow through untyped; consumers ignore them.
		return ev, nil
	}
}
