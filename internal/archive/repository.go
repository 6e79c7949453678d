// Package archive stores finished games. The coordinator inserts one
// record per completed game; UI clients read them back for history views.
package archive

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateGame = errors.New("game already archived")
	ErrGameNotFound  = errors.New("archived game not found")
)

// Game is one finished game as recorded by the coordinator.
type Game struct {
	ID          int64     `json:"id"`
	SessionUUID string    `json:"session_uuid"`
	Tier        string    `json:"tier"`
	Result      string    `json:"result"` // checkmate | stalemate | draw
	Winner      string    `json:"winner,omitempty"`
	MovesUCI    []string  `json:"moves_uci"`
	MovesSAN    []string  `json:"moves_san"`
	PGN         string    `json:"pgn"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

func (g *Game) Duration() time.Duration {
	return g.EndedAt.Sub(g.StartedAt)
}

type Repository interface {
	// InsertGame stores a finished game and returns its assigned id.
	// Inserting the same session twice yields ErrDuplicateGame.
	InsertGame(ctx context.Context, game *Game) (int64, error)

	GetGame(ctx context.Context, id int64) (*Game, error)

	// RecentGames returns up to limit games, latest first.
	RecentGames(ctx context.Context, limit int) ([]*Game, error)
}
