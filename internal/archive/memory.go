package archive

import (
	"context"
	"sync"
)

// memory is the repository used when neither Redis nor Postgres is
// configured. Games live until the process exits.
type memory struct {
	mu sync.RWMutex

	nextID    int64
	byID      map[int64]*Game
	bySession map[string]*Game
	order     []int64 // insertion order, latest last
}

func NewMemory() Repository {
	return &memory{
		byID:      make(map[int64]*Game),
		bySession: make(map[string]*Game),
	}
}

func (m *memory) InsertGame(ctx context.Context, game *Game) (int64, error) {
	if game == nil {
		return 0, ErrDuplicateGame
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySession[game.SessionUUID]; exists {
		return 0, ErrDuplicateGame
	}

	m.nextID++
	id := m.nextID
	copied := *game
	copied.ID = id

	m.byID[id] = &copied
	m.bySession[game.SessionUUID] = &copied
	m.order = append(m.order, id)
	return id, nil
}

func (m *memory) GetGame(ctx context.Context, id int64) (*Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	game, ok := m.byID[id]
	if !ok {
		return nil, ErrGameNotFound
	}
	copied := *game
	return &copied, nil
}

func (m *memory) RecentGames(ctx context.Context, limit int) ([]*Game, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Game, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		copied := *m.byID[m.order[i]]
		out = append(out, &copied)
	}
	return out, nil
}
