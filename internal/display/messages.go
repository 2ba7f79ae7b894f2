package display

import "encoding/json"

// Outbound message types.
const (
	TypeState     = "state"
	TypeRate      = "rate"
	TypePlay      = "play"
	TypePause     = "pause"
	TypeVolume    = "volume"
	TypeMetrics   = "metrics"
	TypeHeartRate = "heart_rate"
	TypePhase     = "phase"
	TypeStatus    = "status"
	TypeBattery   = "battery"
)

// Inbound message types.
const (
	TypeBaseline   = "baseline"
	TypeMetronome  = "metronome"
	TypePlayer     = "player"
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
)

// Player events reported by the page.
const (
	EventPlay  = "play"
	EventPause = "pause"
	EventError = "error"
)

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// State is sent to every client when it connects.
type State struct {
	Rate      float64 `json:"rate"`
	Paused    bool    `json:"paused"`
	Volume    float64 `json:"volume"`
	Baseline  float64 `json:"baseline"`
	Metronome bool    `json:"metronome"`
}

// PlayerEvent is a playback event reported by the page.
type PlayerEvent struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
}

type inbound struct {
	Type    string   `json:"type"`
	Value   *float64 `json:"value,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
	Event   string   `json:"event,omitempty"`
	Message string   `json:"message,omitempty"`
	Device  string   `json:"device,omitempty"`
}

func encode(typ string, data any) ([]byte, error) {
	return json.Marshal(envelope{Type: typ, Data: data})
}
