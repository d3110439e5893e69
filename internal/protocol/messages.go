package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	SessionID       string       `json:"session_id"`
	Limits          ServerLimits `json:"limits"`
}

type ServerLimits struct {
	MaxVolume    int      `json:"max_volume"`
	Compressions []string `json:"compressions"`
}

// BUILD (client -> server). Plan is a build plan document in JSON form.
type BuildMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ReqID           string          `json:"req_id"`
	Name            string          `json:"name,omitempty"`
	Compression     string          `json:"compression,omitempty"`
	Plan            json.RawMessage `json:"plan"`
}

// BUILT (server -> client) is followed by exactly one binary frame holding
// the document, compressed as Compression says.
type BuiltMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	ExportID        string `json:"export_id"`
	Size            [3]int `json:"size"`
	PaletteLen      int    `json:"palette_len"`
	Bytes           int    `json:"bytes"`
	FrameBytes      int    `json:"frame_bytes"`
	Compression     string `json:"compression"`
	SHA256          string `json:"sha256"`
	RemoteKey       string `json:"remote_key,omitempty"`
	// Cached is set when the document came from the build cache.
	Cached bool `json:"cached,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(reqID, code, message string) ErrorMsg {
	return ErrorMsg{
		Type:            TypeError,
		ProtocolVersion: Version,
		ReqID:           reqID,
		Code:            code,
		Message:         message,
	}
}
