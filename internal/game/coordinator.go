package game

import (
	"context"
	"errors"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapu/chessmate/internal/archive"
	"github.com/kapu/chessmate/internal/difficulty"
	"github.com/kapu/chessmate/internal/uci"
	"github.com/kapu/chessmate/pkg/gamedto"
)

// ErrDesynced means the engine proposed an illegal move against the
// current position. The game is halted until ResetGame; see
// Coordinator.HandleEngineReply.
var ErrDesynced = errors.New("engine desynchronized, reset required")

// EngineDriver is the coordinator-facing slice of the UCI session. The
// concrete implementation is *uci.Session; tests substitute a fake.
type EngineDriver interface {
	IsReady() bool
	RequestMove(fen string, depth int) (uint64, error)
	SetSkillLevel(level int)
	Cancel()
	Close() error
}

// Coordinator glues the game state to the engine session. It is the
// single mutator of both: every public operation and the engine reply
// handler run under one mutex, so each is atomic with respect to the
// others. An asynchronous engine reply is applied only if its request id
// is still current AND the position it was computed against is still the
// live position; any mismatch means the reply is stale and it is dropped
// without touching the game.
type Coordinator struct {
	log     *zap.Logger
	archive archive.Repository
	notify  func(gamedto.Snapshot)

	mu        sync.Mutex
	sessionID string
	state     *State
	engine    EngineDriver
	tier      difficulty.Setting

	// the single live think request; positionAtIssue is empty when no
	// reply is expected
	currentRequestID uint64
	positionAtIssue  string

	desynced  bool
	engineUp  bool
	startedAt time.Time
	archived  bool
}

type CoordinatorOption func(*Coordinator)

func WithLogger(log *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithArchive records finished games into the given repository.
func WithArchive(repo archive.Repository) CoordinatorOption {
	return func(c *Coordinator) { c.archive = repo }
}

// WithNotify registers a snapshot listener invoked after every mutation,
// including ones triggered by asynchronous engine replies. The listener
// runs outside the coordinator lock and must not block.
func WithNotify(fn func(gamedto.Snapshot)) CoordinatorOption {
	return func(c *Coordinator) { c.notify = fn }
}

// WithDifficultyTier selects the initial tier. Unknown tiers fall back
// to the default.
func WithDifficultyTier(tier string) CoordinatorOption {
	return func(c *Coordinator) { c.tier = resolveTier(c.log, tier) }
}

func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		log:       zap.NewNop(),
		sessionID: uuid.NewString(),
		state:     NewState(),
		startedAt: time.Now(),
	}
	c.tier, _ = difficulty.Resolve(difficulty.DefaultTier)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AttachEngine hands the coordinator a fresh engine session. The session
// must have been constructed with HandleEngineReply as its reply handler
// and HandleEngineDown as its down handler. Replaces (and closes) any
// previous session, which is how recovery from a transport failure
// works: sessions are never revived in place.
func (c *Coordinator) AttachEngine(engine EngineDriver) {
	c.mu.Lock()
	old := c.engine
	c.engine = engine
	c.engineUp = engine != nil
	c.positionAtIssue = ""
	if engine != nil {
		engine.SetSkillLevel(c.tier.SkillLevel)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	c.publish(snap)
}

// ApplyHumanMove validates and applies a human move, then asks the
// engine for its answer if the game continues. An engine that is not
// ready (still negotiating, thinking, or gone) is silently skipped: the
// human may keep moving for either side until it becomes available.
func (c *Coordinator) ApplyHumanMove(m Move) error {
	return c.ApplyUCIMove(m.UCI())
}

// ApplyUCIMove is ApplyHumanMove for moves already in compact engine
// notation.
func (c *Coordinator) ApplyUCIMove(uciMove string) error {
	c.mu.Lock()

	if c.desynced {
		c.mu.Unlock()
		return ErrDesynced
	}

	fen, err := c.state.ApplyUCI(uciMove)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.positionAtIssue = ""

	status := c.state.Status()
	if status.Ongoing() {
		c.requestThinkLocked(fen)
	} else {
		c.archiveLocked(status)
	}

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
	return nil
}

// HandleEngineReply reconciles an asynchronous best-move announcement
// against the position as it stands now. Stale replies — an old request
// id, or a position changed by undo/reset since the request was issued —
// are dropped silently. Register this as the uci.Session reply handler.
func (c *Coordinator) HandleEngineReply(reply uci.Reply) {
	c.mu.Lock()

	if reply.ID != c.currentRequestID || c.positionAtIssue == "" ||
		reply.PositionFEN != c.positionAtIssue || reply.PositionFEN != c.state.FEN() {
		c.mu.Unlock()
		c.log.Debug("stale engine reply dropped",
			zap.Uint64("request_id", reply.ID),
			zap.String("move", reply.MoveUCI),
		)
		return
	}
	c.positionAtIssue = ""

	if reply.MoveUCI == "" {
		// think completed with nothing to play; the pending slot is
		// cleared and the game simply waits for the human
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.log.Warn("engine had no move for position", zap.Uint64("request_id", reply.ID))
		c.publish(snap)
		return
	}

	if _, err := c.state.ApplyUCI(reply.MoveUCI); err != nil {
		// a protocol-correct engine never sends an illegal move, so the
		// session and the game no longer agree on the position
		c.desynced = true
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.log.Error("engine move rejected by rules engine",
			zap.String("move", reply.MoveUCI),
			zap.Uint64("request_id", reply.ID),
		)
		c.publish(snap)
		return
	}

	if status := c.state.Status(); !status.Ongoing() {
		c.archiveLocked(status)
	}

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Info("engine move applied",
		zap.String("move", reply.MoveUCI),
		zap.Uint64("request_id", reply.ID),
	)
	c.publish(snap)
}

// HandleEngineDown marks the engine unavailable. Play continues: human
// moves still apply, engine replies simply stop arriving until a new
// session is attached. Register this as the uci.Session down handler.
func (c *Coordinator) HandleEngineDown(err error) {
	c.mu.Lock()
	c.engineUp = false
	c.positionAtIssue = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("engine transport failure, continuing without opponent", zap.Error(err))
	}
	c.publish(snap)
}

// UndoMove pops the last applied move. Any in-flight think automatically
// becomes stale through the position check; Cancel is only an
// optimization to cut the engine's wasted effort short.
func (c *Coordinator) UndoMove() error {
	c.mu.Lock()

	if _, err := c.state.Undo(); err != nil {
		c.mu.Unlock()
		return err
	}

	outstanding := c.positionAtIssue != ""
	c.positionAtIssue = ""
	engine := c.engine
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if outstanding && engine != nil {
		engine.Cancel()
	}
	c.publish(snap)
	return nil
}

// ResetGame starts a fresh game and clears a desync halt. Always
// succeeds.
func (c *Coordinator) ResetGame() {
	c.mu.Lock()

	outstanding := c.positionAtIssue != ""
	c.state.Reset()
	c.positionAtIssue = ""
	c.desynced = false
	c.archived = false
	c.startedAt = time.Now()
	c.sessionID = uuid.NewString()
	engine := c.engine
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if outstanding && engine != nil {
		engine.Cancel()
	}
	c.publish(snap)
}

// SetDifficultyTier switches tiers. Unknown tiers fall back to the
// default tier rather than surfacing an error; the applied tier name is
// returned. Game state is unaffected.
func (c *Coordinator) SetDifficultyTier(tier string) string {
	setting := resolveTier(c.log, tier)

	c.mu.Lock()
	c.tier = setting
	engine := c.engine
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if engine != nil {
		engine.SetSkillLevel(setting.SkillLevel)
	}
	c.publish(snap)
	return setting.Name
}

func resolveTier(log *zap.Logger, tier string) difficulty.Setting {
	setting, err := difficulty.Resolve(tier)
	if err != nil {
		log.Warn("unknown difficulty tier, using default",
			zap.String("tier", tier),
			zap.String("default", difficulty.DefaultTier),
		)
		setting, _ = difficulty.Resolve(difficulty.DefaultTier)
	}
	return setting
}

// CurrentFEN returns the serialized live position.
func (c *Coordinator) CurrentFEN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.FEN()
}

// Status classifies the live position.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status()
}

// IsEngineReady reports whether the opponent can accept a think request.
func (c *Coordinator) IsEngineReady() bool {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	return engine != nil && engine.IsReady()
}

// LegalDestinations supports move-assistance highlighting in the UI.
func (c *Coordinator) LegalDestinations(square string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LegalDestinations(square)
}

// Desynced reports whether the game is halted pending a manual reset.
func (c *Coordinator) Desynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desynced
}

// Board returns the current board and the last applied move (nil at the
// initial position), for snapshot rendering.
func (c *Coordinator) Board() (*nchess.Board, *nchess.Move) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Board(), c.state.LastMove()
}

// Snapshot captures the full UI-facing state in one locked read.
func (c *Coordinator) Snapshot() gamedto.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() gamedto.Snapshot {
	status := c.state.Status()
	snap := gamedto.Snapshot{
		SessionID:   c.sessionID,
		FEN:         c.state.FEN(),
		Turn:        c.state.Turn(),
		MovesUCI:    c.state.Moves(),
		MovesSAN:    c.state.MovesSAN(),
		HistoryLen:  c.state.HistoryLen(),
		Status:      status.Result.String(),
		Tier:        c.tier.Name,
		EngineReady: c.engineUp && c.engine != nil && c.engine.IsReady(),
		Thinking:    c.positionAtIssue != "",
		Desynced:    c.desynced,
	}
	if status.Result == ResultCheckmate {
		snap.Winner = colorName(status.Winner)
	}
	return snap
}

// requestThinkLocked issues a think request for the given position if the
// engine can take one right now; otherwise it skips silently, which is
// the documented behavior while the opponent is unavailable.
func (c *Coordinator) requestThinkLocked(fen string) {
	if c.engine == nil || !c.engine.IsReady() {
		c.log.Debug("engine not ready, think request skipped", zap.String("fen", fen))
		return
	}

	id, err := c.engine.RequestMove(fen, c.tier.Depth)
	if err != nil {
		// IsReady was checked above, so this is either a lost race with
		// a transport failure or a caller bug; either way play goes on
		c.log.Warn("think request refused", zap.Error(err))
		return
	}
	c.currentRequestID = id
	c.positionAtIssue = fen
}

// archiveLocked stores the finished game once. The insert happens on a
// separate goroutine so a slow store never stalls a reply handler.
func (c *Coordinator) archiveLocked(status Status) {
	if c.archive == nil || c.archived {
		return
	}
	c.archived = true

	record := &archive.Game{
		SessionUUID: c.sessionID,
		Tier:        c.tier.Name,
		Result:      status.Result.String(),
		MovesUCI:    c.state.Moves(),
		MovesSAN:    c.state.MovesSAN(),
		PGN:         c.state.PGN(),
		StartedAt:   c.startedAt,
		EndedAt:     time.Now(),
	}
	if status.Result == ResultCheckmate {
		record.Winner = colorName(status.Winner)
	}

	repo := c.archive
	log := c.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := repo.InsertGame(ctx, record); err != nil {
			log.Warn("archive finished game", zap.Error(err), zap.String("session", record.SessionUUID))
		}
	}()
}

func (c *Coordinator) publish(snap gamedto.Snapshot) {
	if c.notify != nil {
		c.notify(snap)
	}
}

// Close shuts the engine session down. Game state stays readable.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	engine := c.engine
	c.engine = nil
	c.engineUp = false
	c.mu.Unlock()

	if engine != nil {
		return engine.Close()
	}
	return nil
}
