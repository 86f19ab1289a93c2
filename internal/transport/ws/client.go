package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/gorilla/websocket"

	"worldsync.ai/internal/host"
	"worldsync.ai/internal/protocol"
)

// Client is the dialing side of a link (peer role).
type Client struct {
	conn    *websocket.Conn
	out     chan []byte
	Welcome protocol.WelcomeMsg
}

// Dial connects to url and completes the HELLO/WELCOME exchange.
func Dial(ctx context.Context, url string, hello protocol.HelloMsg) (*Client, error) {
	hello.Type = protocol.TypeHello
	hello.ProtocolVersion = protocol.Version

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	if err := writeJSON(conn, hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	msg, err := readFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	switch base.Type {
	case protocol.TypeWelcome:
	case protocol.TypeError:
		var em protocol.ErrorMsg
		_ = json.Unmarshal(msg, &em)
		_ = conn.Close()
		return nil, &RemoteError{Code: em.Code, Message: em.Message}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %q", base.Type)
	}
	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	c := &Client{conn: conn, out: make(chan []byte, maxQ)}
	if err := json.Unmarshal(msg, &c.Welcome); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	return c, nil
}

// RemoteError is an ERROR frame received during the handshake.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Code + ": " + e.Message }

// Run joins h with the remote as a link and pumps frames until ctx ends or
// the connection drops.
func (c *Client) Run(ctx context.Context, h *host.Host, logger *log.Logger) error {
	defer c.conn.Close()
	if err := join(h, host.JoinRequest{SessionID: c.Welcome.SessionID, PeerID: c.Welcome.PeerID, Out: c.out}); err != nil {
		return err
	}
	serveLink(ctx, c.conn, h, logger, c.Welcome.SessionID, c.out, c.Welcome.Compress)
	if err := ctx.Err(); err != nil {
		return err
	}
	return errLinkClosed
}

var errLinkClosed = errors.New("ws: link closed by remote")
