package utils

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EVENT_CONNECTION   = "device/connection"
	EVENT_RECONNECTION = "device/reconnection"
	EVENT_SCREEN       = "screen/updated"
)

type ConnectionPayload struct {
	Connected  bool   `json:"connected"`
	DeviceName string `json:"deviceName,omitempty"`
}

type ReconnectionPayload struct {
	Reconnecting bool   `json:"reconnecting"`
	DeviceName   string `json:"deviceName,omitempty"`
}

// ScreenPayload carries the raw framebuffer, one bit per pixel in display
// page order. Data is base64 encoded on the wire.
type ScreenPayload struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"`
}
