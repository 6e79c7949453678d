// Package gamedto holds the wire types the core exposes to UI clients.
package gamedto

// Snapshot is the full UI-facing session state. The UI re-renders from a
// snapshot and never mutates core state directly.
type Snapshot struct {
	SessionID  string   `json:"session_id"`
	FEN        string   `json:"fen"`
	Turn       string   `json:"turn"`
	MovesUCI   []string `json:"moves_uci"`
	MovesSAN   []string `json:"moves_san"`
	HistoryLen int      `json:"history_len"`

	Status string `json:"status"`           // ongoing | checkmate | stalemate | draw
	Winner string `json:"winner,omitempty"` // white | black, checkmate only

	Tier        string `json:"tier"`
	EngineReady bool   `json:"engine_ready"`
	Thinking    bool   `json:"thinking"`
	Desynced    bool   `json:"desynced"`
}

// MoveRequest is the POST /move payload.
type MoveRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// TierRequest is the POST /difficulty payload.
type TierRequest struct {
	Tier string `json:"tier"`
}
