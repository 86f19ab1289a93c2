package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worldsync.ai/internal/host"
	"worldsync.ai/internal/netsync"
	persistlog "worldsync.ai/internal/persistence/log"
	"worldsync.ai/internal/persistence/snapshot"
	"worldsync.ai/internal/protocol"
	"worldsync.ai/internal/sim/codec"
	"worldsync.ai/internal/sim/traits"
	"worldsync.ai/internal/sim/tuning"
	"worldsync.ai/internal/sim/world"
	"worldsync.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		serverID   = flag.String("id", "server", "peer id this server announces in WELCOME")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite update index")
		npcs       = flag.Int("npcs", 8, "demo npcs to spawn in a fresh world")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	auth, err := tune.Authority(protocol.RoleServer, *serverID)
	if err != nil {
		logger.Fatalf("authority: %v", err)
	}

	// Optional: read-model index (does not affect sync semantics).
	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		}
	}

	c := traits.NewCodec()
	opts := codec.Options{Compact: tune.CompactCodec}
	w := world.New()
	w.AddSystem(traits.Movement)

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(worldDir)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.WorldID != "" && snap.Header.WorldID != *worldID {
			logger.Fatalf("snapshot world id mismatch: flag=%s snap=%s", *worldID, snap.Header.WorldID)
		}
		if err := snapshot.Restore(snap, w, c); err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d entities=%d", filepath.Base(snapshotToLoad), snap.Header.Tick, w.Len())
	} else {
		spawnNPCs(w, *npcs)
	}

	ctx, cancel := signalContext()
	defer cancel()

	journal := persistlog.NewUpdateLogger(worldDir)
	defer journal.Close()

	snapCh := make(chan snapshot.SnapshotV1, 2)
	go writeSnapshots(ctx, worldDir, snapCh, idx, logger)

	hostOpts := []host.Option{host.WithJournal(journal), host.WithSnapshotSink(snapCh)}
	if idx != nil {
		hostOpts = append(hostOpts, host.WithJournal(idx))
	}
	h := host.New(host.Config{
		WorldID:            *worldID,
		SelfID:             *serverID,
		Role:               protocol.RoleServer,
		TickRateHz:         tune.TickRateHz,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
		MaxSenders:         tune.MaxSenders,
		CodecOptions:       opts,
	}, w, auth, c, log.New(os.Stdout, "[host] ", log.LstdFlags|log.Lmicroseconds), hostOpts...)

	go func() {
		if err := h.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("host stopped: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(netsync.Collectors()...)
	reg.MustRegister(host.Collectors()...)
	reg.MustRegister(collectors.NewGoCollector())

	wsSrv := ws.NewServer(h, ws.ServerConfig{
		TickRateHz: tune.TickRateHz,
		Compress:   tune.Compress,
		MaxQueue:   tune.MaxQueue,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	mux.HandleFunc("/v1/sessions", wsSrv.SessionsHandler())

	if envBool("WS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", loopbackOnly(stateHandler(h, *worldID)))
		mux.HandleFunc("/admin/v1/pin", loopbackOnly(pinHandler(h)))
		logger.Printf("admin endpoints enabled on loopback")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s world=%s id=%s tick_rate=%d", *addr, *worldID, *serverID, tune.TickRateHz)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func spawnNPCs(w *world.World, n int) {
	for i := 0; i < n; i++ {
		e := world.NewEntity("npc-"+strconv.Itoa(i), "npc",
			&traits.Position{X: float64(i * 4)},
			&traits.Velocity{X: 0.5, Y: float64(i%3) - 1},
			&traits.Health{HP: 100, MaxHP: 100},
		)
		_ = w.Add(e)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// stateResponse is what /admin/v1/state returns.
type stateResponse struct {
	WorldID  string          `json:"world_id"`
	Tick     uint64          `json:"tick"`
	Entities int             `json:"entities"`
	Links    []host.LinkInfo `json:"links"`
}

func stateHandler(h *host.Host, worldID string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		res := make(chan stateResponse, 1)
		q := make(chan []host.LinkInfo, 1)
		fn := func(w *world.World) {
			res <- stateResponse{WorldID: worldID, Tick: w.Tick(), Entities: w.Len()}
		}
		var st stateResponse
		if !send(r, h, h.Submit(), fn) || !send(r, h, h.Links(), q) ||
			!recv(r, h, res, &st) || !recv(r, h, q, &st.Links) {
			http.Error(rw, "host unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(st)
	}
}

// pinHandler pins (POST) or unpins (DELETE) ?id= on every link.
func pinHandler(h *host.Host) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			http.Error(rw, "missing id", http.StatusBadRequest)
			return
		}
		var req host.PinRequest
		switch r.Method {
		case http.MethodPost:
			req = host.PinRequest{ID: id, Pin: true}
		case http.MethodDelete:
			req = host.PinRequest{ID: id, Pin: false}
		default:
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !send(r, h, h.Pin(), req) {
			http.Error(rw, "host unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusAccepted)
	}
}

func send[T any](r *http.Request, h *host.Host, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.Done():
	case <-r.Context().Done():
	}
	return false
}

func recv[T any](r *http.Request, h *host.Host, ch <-chan T, v *T) bool {
	select {
	case *v = <-ch:
		return true
	case <-h.Done():
	case <-r.Context().Done():
	}
	return false
}

func loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
