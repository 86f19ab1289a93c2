package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"worldsync.ai/internal/host"
	"worldsync.ai/internal/protocol"
	"worldsync.ai/internal/sim/codec"
	"worldsync.ai/internal/sim/traits"
	"worldsync.ai/internal/sim/tuning"
	"worldsync.ai/internal/sim/world"
	"worldsync.ai/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		peerID     = flag.String("id", "", "peer id (default: random)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		zstd       = flag.Bool("zstd", true, "ask for zstd-compressed frames")
		every      = flag.Duration("report", 5*time.Second, "how often to log world size")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[peer] ", log.LstdFlags|log.Lmicroseconds)

	id := *peerID
	if id == "" {
		id = "peer-" + uuid.NewString()[:8]
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		tune = tuning.Defaults()
	}
	auth, err := tune.Authority(protocol.RolePeer, id)
	if err != nil {
		logger.Fatalf("authority: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := ws.Dial(ctx, *url, protocol.HelloMsg{
		PeerID: id,
		Role:   protocol.RolePeer,
		Capabilities: protocol.HelloCapabilities{
			Zstd:     *zstd,
			MaxQueue: tune.MaxQueue,
		},
	})
	if err != nil {
		var re *ws.RemoteError
		if errors.As(err, &re) {
			logger.Fatalf("rejected: %s", re)
		}
		logger.Fatalf("dial: %v", err)
	}
	logger.Printf("linked to %s session=%s tick_rate=%d compress=%v", client.Welcome.PeerID, client.Welcome.SessionID, client.Welcome.TickRateHz, client.Welcome.Compress)

	w := world.New()
	w.AddSystem(traits.Movement)
	avatar := world.NewEntity("avatar-"+id, "avatar",
		&traits.Position{X: rand.Float64() * 32, Y: rand.Float64() * 32},
		&traits.Velocity{X: 1},
		&traits.Label{Name: id},
		&traits.Health{HP: 100, MaxHP: 100},
	)
	avatar.Owner = id
	if err := w.Add(avatar); err != nil {
		logger.Fatalf("spawn avatar: %v", err)
	}

	tickRate := client.Welcome.TickRateHz
	if tickRate <= 0 {
		tickRate = tune.TickRateHz
	}
	h := host.New(host.Config{
		WorldID:      client.Welcome.SessionID,
		SelfID:       id,
		Role:         protocol.RolePeer,
		TickRateHz:   tickRate,
		MaxSenders:   tune.MaxSenders,
		CodecOptions: codec.Options{Compact: tune.CompactCodec},
	}, w, auth, traits.NewCodec(), logger)

	go func() {
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("host stopped: %v", err)
		}
	}()
	go report(ctx, h, *every, logger)
	go steer(ctx, h, avatar.ID)

	if err := client.Run(ctx, h, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("link ended: %v", err)
	}
}

// steer turns the avatar every few seconds so its state keeps changing.
func steer(ctx context.Context, h *host.Host, id string) {
	t := time.NewTicker(3 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			vx, vy := rand.Float64()*2-1, rand.Float64()*2-1
			fn := func(w *world.World) {
				e, ok := w.Entity(id)
				if !ok {
					return
				}
				if v, ok := world.Get[*traits.Velocity](e); ok {
					v.X, v.Y = vx, vy
				}
			}
			select {
			case h.Submit() <- fn:
			case <-ctx.Done():
				return
			}
		}
	}
}

func report(ctx context.Context, h *host.Host, every time.Duration, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			done := make(chan struct{})
			fn := func(w *world.World) {
				logger.Printf("tick=%d entities=%d", w.Tick(), w.Len())
				close(done)
			}
			select {
			case h.Submit() <- fn:
			case <-ctx.Done():
				return
			}
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}
}
