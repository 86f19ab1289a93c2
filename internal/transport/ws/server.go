package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"worldsync.ai/internal/host"
	"worldsync.ai/internal/protocol"
)

// Session is the public view of one accepted link.
type Session struct {
	SessionID string    `json:"session_id"`
	PeerID    string    `json:"peer_id"`
	Remote    string    `json:"remote"`
	Zstd      bool      `json:"zstd"`
	Since     time.Time `json:"since"`
}

type ServerConfig struct {
	TickRateHz int
	// Compress allows zstd frames for peers that ask for them.
	Compress bool
	// MaxQueue caps the per-link outbound buffer a peer may request.
	MaxQueue int
}

type Server struct {
	host *host.Host
	log  *log.Logger
	cfg  ServerConfig

	upgrader websocket.Upgrader
	sessions *xsync.MapOf[string, Session]
}

func NewServer(h *host.Host, cfg ServerConfig, logger *log.Logger) *Server {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 64
	}
	return &Server{
		host: h,
		log:  logger,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: xsync.NewMapOf[string, Session](),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxFrameBytes)

		sess, out, ok := s.handshake(conn, r.RemoteAddr)
		if !ok {
			return
		}
		s.sessions.Store(sess.SessionID, sess)
		defer s.sessions.Delete(sess.SessionID)
		s.log.Printf("session open id=%s peer=%s remote=%s zstd=%v", sess.SessionID, sess.PeerID, sess.Remote, sess.Zstd)

		serveLink(r.Context(), conn, s.host, s.log, sess.SessionID, out, sess.Zstd)
		s.log.Printf("session closed id=%s peer=%s", sess.SessionID, sess.PeerID)
	}
}

func (s *Server) handshake(conn *websocket.Conn, remote string) (Session, chan []byte, bool) {
	msg, err := readFrame(conn)
	if err != nil {
		return Session{}, nil, false
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return Session{}, nil, false
	}
	if base.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewErrorMsg(protocol.ErrProtoVersion, "bad protocol_version"))
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return Session{}, nil, false
	}
	if err := protocol.Validate(protocol.TypeHello, msg); err != nil {
		_ = writeJSON(conn, protocol.NewErrorMsg(protocol.ErrProtoBadRequest, err.Error()))
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return Session{}, nil, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return Session{}, nil, false
	}
	peerID := strings.TrimSpace(hello.PeerID)

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > s.cfg.MaxQueue {
		maxQ = s.cfg.MaxQueue
	}
	out := make(chan []byte, maxQ)

	sess := Session{
		SessionID: uuid.NewString(),
		PeerID:    peerID,
		Remote:    remote,
		Zstd:      s.cfg.Compress && hello.Capabilities.Zstd,
		Since:     time.Now().UTC(),
	}

	if err := join(s.host, host.JoinRequest{SessionID: sess.SessionID, PeerID: peerID, Out: out}); err != nil {
		code := protocol.ErrLinkDenied
		if errors.Is(err, host.ErrLinkConflict) {
			code = protocol.ErrLinkConflict
		}
		_ = writeJSON(conn, protocol.NewErrorMsg(code, err.Error()))
		closeWith(conn, websocket.ClosePolicyViolation, code)
		return Session{}, nil, false
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		PeerID:          s.host.Config().SelfID,
		SessionID:       sess.SessionID,
		TickRateHz:      s.cfg.TickRateHz,
		Compress:        sess.Zstd,
	}
	if err := writeJSON(conn, welcome); err != nil {
		select {
		case s.host.Leave() <- sess.SessionID:
		case <-s.host.Done():
		}
		return Session{}, nil, false
	}
	return sess, out, true
}

var errHostStopped = errors.New("ws: host stopped")

// join registers req with h and waits for the verdict.
func join(h *host.Host, req host.JoinRequest) error {
	req.Resp = make(chan error, 1)
	select {
	case h.Join() <- req:
	case <-h.Done():
		return errHostStopped
	}
	select {
	case err := <-req.Resp:
		return err
	case <-h.Done():
		return errHostStopped
	}
}

// Sessions lists open sessions ordered by start time.
func (s *Server) Sessions() []Session {
	out := make([]Session, 0, s.sessions.Size())
	s.sessions.Range(func(_ string, v Session) bool {
		out = append(out, v)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

func (s *Server) SessionsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.Sessions())
	}
}
