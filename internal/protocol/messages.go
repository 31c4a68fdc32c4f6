package protocol

import "time"

// MessageType tags an envelope on the satellite connection.
type MessageType string

const (
	// Inbound, satellite -> core.
	TypeAudio        MessageType = "audio"
	TypeWake         MessageType = "wake"
	TypeEndUtterance MessageType = "end_utterance"
	TypeCancel       MessageType = "cancel"

	// Outbound, core -> satellite.
	TypeAudioOut  MessageType = "audio_out"
	TypeTurnState MessageType = "turn_state"
	TypeError     MessageType = "error"
)

// Handshake is the first message a satellite sends after connecting.
type Handshake struct {
	DeviceID   string `json:"device_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameMS    int    `json:"frame_ms"`
}

// HandshakeAck confirms the negotiated format and the fresh stream id.
// Any turn that was in flight for the device before this ack is cancelled.
type HandshakeAck struct {
	SessionID  string `json:"session_id"`
	StreamID   string `json:"stream_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameMS    int    `json:"frame_ms"`
}

// Envelope is one tagged message on an established connection. PCM rides in
// the json []byte (base64) field; sequence numbers are per stream from 0.
type Envelope struct {
	Type      MessageType `json:"type"`
	StreamID  string      `json:"stream_id,omitempty"`
	Seq       uint64      `json:"seq,omitempty"`
	PCM       []byte      `json:"pcm,omitempty"`
	TurnID    string      `json:"turn_id,omitempty"`
	State     string      `json:"state,omitempty"`
	Final     bool        `json:"final,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// Transcript is STT output broadcast on the bus for collaborators
// (backend persistence, frontend live view).
type Transcript struct {
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Response is responder output for a turn. Streaming backends publish
// accumulated partials before the final message.
type Response struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Text      string    `json:"text"`
	Intent    string    `json:"intent,omitempty"`
	Partial   bool      `json:"partial,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnEvent mirrors a session state transition onto the bus.
type TurnEvent struct {
	SessionID   string    `json:"session_id"`
	DeviceID    string    `json:"device_id"`
	TurnID      string    `json:"turn_id,omitempty"`
	State       string    `json:"state"`
	Status      string    `json:"status,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "turn.transcript.partial"
	SubjectTranscriptFinal   = "turn.transcript.final"
	SubjectResponsePartial   = "turn.response.partial"
	SubjectResponse          = "turn.response"
	SubjectTurnState         = "turn.state"
)
