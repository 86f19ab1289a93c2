package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"worldsync.ai/internal/host"
	"worldsync.ai/internal/protocol"
)

// serveLink pumps frames between conn and h for one joined session until
// either side fails or ctx ends. The caller has already joined the host.
func serveLink(ctx context.Context, conn *websocket.Conn, h *host.Host, logger *log.Logger, sessionID string, out chan []byte, compress bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	// Writer goroutine.
	go func() {
		ping := time.NewTicker(pingEvery)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-h.Done():
				_ = conn.Close()
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			case b, ok := <-out:
				if !ok {
					return
				}
				if err := writeFrame(conn, b, compress); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader loop.
	for {
		msg, err := readFrame(conn)
		if err != nil {
			break
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		if base.ProtocolVersion != protocol.Version {
			reject(out, protocol.ErrProtoVersion, "bad protocol_version")
			continue
		}
		switch base.Type {
		case protocol.TypeUpdate:
			if err := protocol.ValidateUpdate(msg); err != nil {
				logger.Printf("session=%s invalid update: %v", sessionID, err)
				reject(out, protocol.ErrBadUpdate, err.Error())
				continue
			}
			var um protocol.UpdateMsg
			if err := json.Unmarshal(msg, &um); err != nil {
				reject(out, protocol.ErrBadUpdate, err.Error())
				continue
			}
			select {
			case h.Inbox() <- host.Inbound{SessionID: sessionID, Msg: um}:
			case <-ctx.Done():
			case <-h.Done():
			}
		case protocol.TypeResync:
			select {
			case h.Resync() <- sessionID:
			case <-ctx.Done():
			case <-h.Done():
			}
		case protocol.TypeError:
			var em protocol.ErrorMsg
			if err := json.Unmarshal(msg, &em); err == nil {
				logger.Printf("session=%s remote error %s: %s", sessionID, em.Code, em.Message)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	cancel()

	select {
	case h.Leave() <- sessionID:
	case <-h.Done():
	}
}

// reject queues an ERROR frame without ever blocking the reader.
func reject(out chan []byte, code, message string) {
	b, err := json.Marshal(protocol.NewErrorMsg(code, message))
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
	}
}
