package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
)

const (
	writeWait = 5 * time.Second
	readWait  = 60 * time.Second
	pingEvery = readWait / 3
	// Binary frames are capped after decompression.
	maxFrameBytes = 16 << 20
)

// EncodeAll and DecodeAll are safe for concurrent use.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameBytes))
)

// writeFrame sends b as a text frame, or as a zstd binary frame when the link
// negotiated compression.
func writeFrame(conn *websocket.Conn, b []byte, compress bool) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if compress {
		return conn.WriteMessage(websocket.BinaryMessage, zenc.EncodeAll(b, nil))
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// readFrame accepts either frame kind regardless of negotiation.
func readFrame(conn *websocket.Conn) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	kind, b, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch kind {
	case websocket.TextMessage:
		return b, nil
	case websocket.BinaryMessage:
		out, err := zdec.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd frame: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected frame kind %d", kind)
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrame(conn, b, false)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
