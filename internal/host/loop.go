package host

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"worldsync.ai/internal/netsync"
	persistlog "worldsync.ai/internal/persistence/log"
	"worldsync.ai/internal/persistence/snapshot"
	"worldsync.ai/internal/protocol"
	"worldsync.ai/internal/sim/world"
)

const resyncCooldown = 5

// Run owns the world until ctx is done. Inbound updates and local mutations
// queue up between ticks and are applied before the next step, never during one.
func (h *Host) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(h.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(h.done)
	defer h.closeLinks()

	var pendingInbound []Inbound
	var pendingLocal []func(*world.World)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-h.join:
			h.handleJoin(req)
		case id := <-h.leave:
			h.handleLeave(id)
		case id := <-h.resync:
			h.handleResync(id)
		case req := <-h.pin:
			h.handlePin(req)
		case resp := <-h.info:
			resp <- h.linkInfo()
		case in := <-h.inbox:
			pendingInbound = append(pendingInbound, in)
		case fn := <-h.submit:
			pendingLocal = append(pendingLocal, fn)
		case <-ticker.C:
			start := time.Now()
			h.stepInternal(pendingInbound, pendingLocal)
			TickSeconds.Observe(time.Since(start).Seconds())
			pendingInbound = pendingInbound[:0]
			pendingLocal = pendingLocal[:0]
		}
	}
}

func (h *Host) handleJoin(req JoinRequest) {
	err := h.addLink(req)
	if req.Resp != nil {
		req.Resp <- err
	}
}

func (h *Host) addLink(req JoinRequest) error {
	if req.PeerID == h.cfg.SelfID {
		return ErrSelfLink
	}
	for _, l := range h.links {
		if l.peerID == req.PeerID {
			return ErrLinkConflict
		}
	}
	h.links[req.SessionID] = &link{
		sessionID: req.SessionID,
		peerID:    req.PeerID,
		gen:       netsync.NewGenerator(h.w, h.auth, h.codec, netsync.WithGeneratorCodecOptions(h.cfg.CodecOptions)),
		out:       req.Out,
	}
	Links.Set(float64(len(h.links)))
	for _, j := range h.journals {
		if r, ok := j.(LinkRecorder); ok {
			r.RecordLinkOpen(req.SessionID, req.PeerID, h.cfg.Role)
		}
	}
	h.log.Printf("link open session=%s peer=%s watching=%d", req.SessionID, req.PeerID, h.links[req.SessionID].gen.WatchCount())
	return nil
}

func (h *Host) handleLeave(sessionID string) {
	l, ok := h.links[sessionID]
	if !ok {
		return
	}
	delete(h.links, sessionID)
	l.gen.Close()
	removed := h.app.ForgetSender(l.peerID)
	Links.Set(float64(len(h.links)))
	for _, j := range h.journals {
		if r, ok := j.(LinkRecorder); ok {
			r.RecordLinkClose(sessionID)
		}
	}
	h.log.Printf("link closed session=%s peer=%s removed=%d", sessionID, l.peerID, len(removed))
}

func (h *Host) handleResync(sessionID string) {
	if l, ok := h.links[sessionID]; ok {
		l.gen.ResetUpdateSkipping()
	}
}

func (h *Host) handlePin(req PinRequest) {
	for _, l := range h.links {
		if req.Pin {
			l.gen.Pin(req.ID)
		} else {
			l.gen.Unpin(req.ID)
		}
	}
}

func (h *Host) linkInfo() []LinkInfo {
	out := make([]LinkInfo, 0, len(h.links))
	for _, l := range h.links {
		out = append(out, LinkInfo{SessionID: l.sessionID, PeerID: l.peerID, Watching: l.gen.WatchCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (h *Host) closeLinks() {
	for id, l := range h.links {
		l.gen.Close()
		delete(h.links, id)
	}
	Links.Set(0)
}

func (h *Host) stepInternal(inbound []Inbound, local []func(*world.World)) {
	tick := h.w.Tick()

	for _, in := range inbound {
		h.applyInbound(tick, in)
	}
	for _, fn := range local {
		fn(h.w)
	}

	h.w.Step()
	tick = h.w.Tick()

	for _, id := range h.sortedLinkIDs() {
		h.sendUpdate(tick, h.links[id])
	}

	if h.snapshots != nil && h.cfg.SnapshotEveryTicks > 0 && tick%uint64(h.cfg.SnapshotEveryTicks) == 0 {
		h.takeSnapshot()
	}
}

func (h *Host) applyInbound(tick uint64, in Inbound) {
	l, ok := h.links[in.SessionID]
	if !ok {
		return
	}
	if in.Msg.SenderID != "" && in.Msg.SenderID != l.peerID {
		h.log.Printf("update sender mismatch session=%s peer=%s claimed=%s", l.sessionID, l.peerID, in.Msg.SenderID)
	}
	// Removal rights follow the authenticated link, not the claimed sender.
	diags := h.app.ApplyUpdate(l.peerID, in.Msg.Update)
	if len(diags) > 0 {
		h.log.Printf("apply from %s: %d items skipped: %s", l.peerID, len(diags), diags)
		if hasStage(diags, netsync.StageDecodeEntity) {
			h.requestResync(tick, l, "undecodable entity")
		}
	}
	FramesReceived.Inc()
	h.journal(persistlog.UpdateEntry{Tick: tick, Direction: persistlog.DirReceived, Peer: l.peerID, Update: in.Msg.Update})
}

func (h *Host) sendUpdate(tick uint64, l *link) {
	u, diags := l.gen.GenerateUpdate()
	if len(diags) > 0 {
		h.log.Printf("generate for %s: %d items skipped: %s", l.peerID, len(diags), diags)
	}
	if u.IsEmpty() {
		return
	}
	b, err := json.Marshal(protocol.NewUpdateMsg(tick, h.cfg.SelfID, u))
	if err != nil {
		h.log.Printf("encode update for %s: %v", l.peerID, err)
		return
	}
	select {
	case l.out <- b:
		FramesSent.Inc()
	default:
		// The receiver would miss this update; rebaseline on the next one.
		FramesDropped.Inc()
		l.gen.ResetUpdateSkipping()
		return
	}
	h.journal(persistlog.UpdateEntry{Tick: tick, Direction: persistlog.DirSent, Peer: l.peerID, Update: u})
}

// requestResync asks the remote to send a full baseline, at most once per
// resyncCooldown seconds of ticks.
func (h *Host) requestResync(tick uint64, l *link, reason string) {
	cooldown := uint64(h.cfg.TickRateHz) * resyncCooldown
	if l.resyncAt != 0 && tick < l.resyncAt+cooldown {
		return
	}
	b, err := json.Marshal(protocol.ResyncMsg{Type: protocol.TypeResync, ProtocolVersion: protocol.Version, Reason: reason})
	if err != nil {
		return
	}
	select {
	case l.out <- b:
		l.resyncAt = tick + 1
		ResyncsRequested.Inc()
		h.log.Printf("resync requested from %s: %s", l.peerID, reason)
	default:
	}
}

func hasStage(ds netsync.Diagnostics, stage string) bool {
	for _, d := range ds {
		if d.Stage == stage {
			return true
		}
	}
	return false
}

func (h *Host) journal(e persistlog.UpdateEntry) {
	if e.Update.IsEmpty() {
		return
	}
	for _, j := range h.journals {
		if err := j.WriteUpdate(e); err != nil {
			h.log.Printf("journal: %v", err)
		}
	}
}

func (h *Host) takeSnapshot() {
	snap, err := snapshot.Capture(h.cfg.WorldID, h.w, h.codec, h.cfg.CodecOptions)
	if err != nil {
		h.log.Printf("snapshot: %v", err)
		return
	}
	select {
	case h.snapshots <- snap:
	default:
		h.log.Printf("snapshot sink full, skipped tick=%d", snap.Header.Tick)
	}
}

func (h *Host) sortedLinkIDs() []string {
	ids := make([]string, 0, len(h.links))
	for id := range h.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
