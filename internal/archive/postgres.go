package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

type postgres struct {
	db *sql.DB
}

// NewPostgres opens the games archive on a Postgres database. The
// chessmate_games table is created on first use.
func NewPostgres(databaseURL string) (Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS chessmate_games (
			id BIGSERIAL PRIMARY KEY,
			session_uuid TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL,
			result TEXT NOT NULL,
			winner TEXT NOT NULL DEFAULT '',
			moves_uci JSONB NOT NULL,
			moves_san JSONB NOT NULL,
			pgn TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}

	return &postgres{db: db}, nil
}

func (r *postgres) InsertGame(ctx context.Context, game *Game) (int64, error) {
	if game == nil {
		return 0, fmt.Errorf("nil game record")
	}

	movesUCI, err := json.Marshal(game.MovesUCI)
	if err != nil {
		return 0, fmt.Errorf("marshal moves_uci: %w", err)
	}
	movesSAN, err := json.Marshal(game.MovesSAN)
	if err != nil {
		return 0, fmt.Errorf("marshal moves_san: %w", err)
	}

	const query = `
		INSERT INTO chessmate_games (
			session_uuid, tier, result, winner,
			moves_uci, moves_san, pgn, started_at, ended_at
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9)
		ON CONFLICT (session_uuid) DO NOTHING
		RETURNING id`

	var id sql.NullInt64
	err = r.db.QueryRowContext(
		ctx,
		query,
		game.SessionUUID,
		game.Tier,
		game.Result,
		game.Winner,
		movesUCI,
		movesSAN,
		game.PGN,
		game.StartedAt,
		game.EndedAt,
	).Scan(&id)
	if err == sql.ErrNoRows || (err == nil && !id.Valid) {
		return 0, ErrDuplicateGame
	}
	if err != nil {
		return 0, fmt.Errorf("insert game: %w", err)
	}
	return id.Int64, nil
}

func (r *postgres) GetGame(ctx context.Context, id int64) (*Game, error) {
	const query = `
		SELECT id, session_uuid, tier, result, winner,
		       moves_uci, moves_san, pgn, started_at, ended_at
		FROM chessmate_games
		WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	game, err := scanGame(row)
	if err == sql.ErrNoRows {
		return nil, ErrGameNotFound
	}
	return game, err
}

func (r *postgres) RecentGames(ctx context.Context, limit int) ([]*Game, error) {
	if limit <= 0 {
		return nil, nil
	}

	const query = `
		SELECT id, session_uuid, tier, result, winner,
		       moves_uci, moves_san, pgn, started_at, ended_at
		FROM chessmate_games
		ORDER BY id DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent games: %w", err)
	}
	defer rows.Close()

	var out []*Game
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, game)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*Game, error) {
	var (
		game     Game
		movesUCI []byte
		movesSAN []byte
	)
	err := row.Scan(
		&game.ID,
		&game.SessionUUID,
		&game.Tier,
		&game.Result,
		&game.Winner,
		&movesUCI,
		&movesSAN,
		&game.PGN,
		&game.StartedAt,
		&game.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(movesUCI, &game.MovesUCI); err != nil {
		return nil, fmt.Errorf("unmarshal moves_uci: %w", err)
	}
	if err := json.Unmarshal(movesSAN, &game.MovesSAN); err != nil {
		return nil, fmt.Errorf("unmarshal moves_san: %w", err)
	}
	return &game, nil
}

// Close releases the database handle.
func (r *postgres) Close() error { return r.db.Close() }
