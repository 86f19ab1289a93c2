// Package host drives one world and its links: it applies inbound updates,
// steps the world and generates one update per link per tick, all on a single
// goroutine.
package host

import (
	"errors"
	"log"

	"worldsync.ai/internal/netsync"
	persistlog "worldsync.ai/internal/persistence/log"
	"worldsync.ai/internal/persistence/snapshot"
	"worldsync.ai/internal/protocol"
	"worldsync.ai/internal/sim/codec"
	"worldsync.ai/internal/sim/world"
)

var (
	ErrLinkConflict = errors.New("host: peer already linked")
	ErrSelfLink     = errors.New("host: peer id equals host id")
)

type Config struct {
	WorldID string
	SelfID  string
	Role    string

	TickRateHz         int
	SnapshotEveryTicks int
	MaxSenders         int
	CodecOptions       codec.Options
}

// Journal receives every non-empty update sent or received. Both the JSONL
// update logger and the sqlite index satisfy it.
type Journal interface {
	WriteUpdate(e persistlog.UpdateEntry) error
}

// LinkRecorder is optionally implemented by a Journal that also tracks link
// lifetimes.
type LinkRecorder interface {
	RecordLinkOpen(sessionID, peerID, role string)
	RecordLinkClose(sessionID string)
}

// JoinRequest registers a link. Out receives encoded UPDATE frames; the host
// never blocks on it.
type JoinRequest struct {
	SessionID string
	PeerID    string
	Out       chan []byte
	Resp      chan error
}

type Inbound struct {
	SessionID string
	Msg       protocol.UpdateMsg
}

// PinRequest pins or unpins id on every link.
type PinRequest struct {
	ID  string
	Pin bool
}

type LinkInfo struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
	Watching  int    `json:"watching"`
}

type link struct {
	sessionID string
	peerID    string
	gen       *netsync.Generator
	out       chan []byte

	// Tick of the last RESYNC asked of the remote; zero means never.
	resyncAt uint64
}

type Option func(*Host)

func WithJournal(j Journal) Option {
	return func(h *Host) {
		if j != nil {
			h.journals = append(h.journals, j)
		}
	}
}

// WithSnapshotSink receives a snapshot every SnapshotEveryTicks. Sends never
// block; a full sink skips that snapshot.
func WithSnapshotSink(ch chan<- snapshot.SnapshotV1) Option {
	return func(h *Host) { h.snapshots = ch }
}

type Host struct {
	cfg   Config
	log   *log.Logger
	w     *world.World
	auth  netsync.Authority
	codec codec.Codec
	app   *netsync.Applier

	links     map[string]*link
	journals  []Journal
	snapshots chan<- snapshot.SnapshotV1

	join   chan JoinRequest
	leave  chan string
	inbox  chan Inbound
	resync chan string
	pin    chan PinRequest
	submit chan func(*world.World)
	info   chan chan []LinkInfo
	done   chan struct{}
}

func New(cfg Config, w *world.World, auth netsync.Authority, c codec.Codec, logger *log.Logger, opts ...Option) *Host {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 10
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[host] ", log.LstdFlags)
	}
	h := &Host{
		cfg:    cfg,
		log:    logger,
		w:      w,
		auth:   auth,
		codec:  c,
		links:  make(map[string]*link),
		join:   make(chan JoinRequest, 64),
		leave:  make(chan string, 64),
		inbox:  make(chan Inbound, 1024),
		resync: make(chan string, 64),
		pin:    make(chan PinRequest, 64),
		submit: make(chan func(*world.World), 256),
		info:   make(chan chan []LinkInfo, 8),
		done:   make(chan struct{}),
	}
	h.app = netsync.NewApplier(w, auth, c,
		netsync.WithMaxSenders(cfg.MaxSenders),
		netsync.WithApplierCodecOptions(cfg.CodecOptions),
		netsync.WithReclassify(h.reclassify),
	)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// reclassify lets every link re-evaluate an entity whose owner or kind changed.
func (h *Host) reclassify(id string) {
	for _, l := range h.links {
		l.gen.Reclassify(id)
	}
}

func (h *Host) Config() Config { return h.cfg }

func (h *Host) Join() chan<- JoinRequest          { return h.join }
func (h *Host) Leave() chan<- string              { return h.leave }
func (h *Host) Inbox() chan<- Inbound             { return h.inbox }
func (h *Host) Resync() chan<- string             { return h.resync }
func (h *Host) Pin() chan<- PinRequest            { return h.pin }
func (h *Host) Submit() chan<- func(*world.World) { return h.submit }

// Links asks the loop for a view of the current links.
func (h *Host) Links() chan<- chan []LinkInfo { return h.info }

// Done is closed once Run has returned. Senders on the request channels
// select on it so they never block on a stopped host.
func (h *Host) Done() <-chan struct{} { return h.done }
