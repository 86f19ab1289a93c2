package protocol

// Peer roles.
const (
	RoleServer = "server"
	RolePeer   = "peer"
)

// HELLO (dialer -> listener)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	PeerID          string            `json:"peer_id"`
	Role            string            `json:"role,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	Zstd     bool `json:"zstd,omitempty"`
	MaxQueue int  `json:"max_queue,omitempty"`
}

// WELCOME (listener -> dialer)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PeerID          string `json:"peer_id"`
	SessionID       string `json:"session_id"`
	TickRateHz      int    `json:"tick_rate_hz"`
	Compress        bool   `json:"compress,omitempty"`
}

// UPDATE (both directions)
type UpdateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	SenderID        string `json:"sender_id"`
	Update          Update `json:"update"`
}

// RESYNC asks the receiving side to resend a full baseline on its next update.
type ResyncMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Reason          string `json:"reason,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewUpdateMsg(tick uint64, senderID string, u Update) UpdateMsg {
	return UpdateMsg{
		Type:            TypeUpdate,
		ProtocolVersion: Version,
		Tick:            tick,
		SenderID:        senderID,
		Update:          u,
	}
}

func NewErrorMsg(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
