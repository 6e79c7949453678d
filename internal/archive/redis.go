package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const gameTTL = 30 * 24 * time.Hour

type redisRepo struct {
	rdb *redis.Client
}

// NewRedis opens the games archive on a Redis server. Records expire
// after thirty days.
func NewRedis(redisURL string) (Repository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisRepo{rdb: redis.NewClient(opts)}, nil
}

func gameKey(id int64) string       { return "chessmate:game:" + strconv.FormatInt(id, 10) }
func sessionKey(uuid string) string { return "chessmate:game:session:" + uuid }

const (
	counterKey = "chessmate:game:next_id"
	indexKey   = "chessmate:game:index" // list of ids, latest first
)

func (r *redisRepo) InsertGame(ctx context.Context, game *Game) (int64, error) {
	if game == nil {
		return 0, ErrDuplicateGame
	}

	// session uniqueness gate first, so retries stay idempotent
	ok, err := r.rdb.SetNX(ctx, sessionKey(game.SessionUUID), "1", gameTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("reserve session key: %w", err)
	}
	if !ok {
		return 0, ErrDuplicateGame
	}

	id, err := r.rdb.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate game id: %w", err)
	}

	copied := *game
	copied.ID = id
	raw, err := json.Marshal(&copied)
	if err != nil {
		return 0, fmt.Errorf("marshal game: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, gameKey(id), raw, gameTTL)
	pipe.LPush(ctx, indexKey, id)
	pipe.LTrim(ctx, indexKey, 0, 999)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store game: %w", err)
	}
	return id, nil
}

func (r *redisRepo) GetGame(ctx context.Context, id int64) (*Game, error) {
	raw, err := r.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}

	var game Game
	if err := json.Unmarshal(raw, &game); err != nil {
		return nil, fmt.Errorf("unmarshal game: %w", err)
	}
	return &game, nil
}

func (r *redisRepo) RecentGames(ctx context.Context, limit int) ([]*Game, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := r.rdb.LRange(ctx, indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("load game index: %w", err)
	}

	out := make([]*Game, 0, len(ids))
	for _, rawID := range ids {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			continue
		}
		game, err := r.GetGame(ctx, id)
		if err == ErrGameNotFound {
			// expired entry still referenced by the index
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, game)
	}
	return out, nil
}

// Close releases the redis client.
func (r *redisRepo) Close() error { return r.rdb.Close() }
