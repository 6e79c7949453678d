package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kapu/chessmate/internal/archive"
	"github.com/kapu/chessmate/internal/uci"
	"github.com/kapu/chessmate/pkg/gamedto"
)

type thinkReq struct {
	id    uint64
	fen   string
	depth int
}

// stubEngine satisfies EngineDriver and records everything the
// coordinator asks of it. Replies are injected by tests through the
// coordinator's handler, the same way the real session delivers them.
type stubEngine struct {
	mu       sync.Mutex
	ready    bool
	nextID   uint64
	requests []thinkReq
	skills   []int
	cancels  int
	closed   bool
}

func (f *stubEngine) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *stubEngine) RequestMove(fen string, depth int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return 0, uci.ErrEngineBusy
	}
	f.nextID++
	f.requests = append(f.requests, thinkReq{id: f.nextID, fen: fen, depth: depth})
	return f.nextID, nil
}

func (f *stubEngine) SetSkillLevel(level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skills = append(f.skills, level)
}

func (f *stubEngine) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

func (f *stubEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *stubEngine) lastRequest(t *testing.T) thinkReq {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("no think request was issued")
	}
	return f.requests[len(f.requests)-1]
}

func (f *stubEngine) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestCoordinator(t *testing.T, opts ...CoordinatorOption) (*Coordinator, *stubEngine) {
	t.Helper()
	engine := &stubEngine{ready: true}
	c := NewCoordinator(opts...)
	c.AttachEngine(engine)
	return c, engine
}

func TestHumanMoveIssuesThinkRequest(t *testing.T) {
	c, engine := newTestCoordinator(t)

	if err := c.ApplyHumanMove(Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("ApplyHumanMove: %v", err)
	}

	req := engine.lastRequest(t)
	if req.fen != c.CurrentFEN() {
		t.Fatalf("positionAtIssue %q != current position %q", req.fen, c.CurrentFEN())
	}
	snap := c.Snapshot()
	if snap.HistoryLen != 2 || !snap.Thinking {
		t.Fatalf("unexpected snapshot after move: %+v", snap)
	}
}

func TestEmptyEngineReplyClearsPendingThink(t *testing.T) {
	c, engine := newTestCoordinator(t)

	if err := c.ApplyHumanMove(Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("ApplyHumanMove: %v", err)
	}
	req := engine.lastRequest(t)

	c.HandleEngineReply(uci.Reply{ID: req.id, PositionFEN: req.fen, MoveUCI: ""})

	snap := c.Snapshot()
	if snap.Thinking {
		t.Fatalf("still thinking after empty reply: %+v", snap)
	}
	if snap.HistoryLen != 2 {
		t.Fatalf("HistoryLen = %d, want 2 (no move applied)", snap.HistoryLen)
	}
	if snap.Desynced {
		t.Fatalf("empty reply must not desync the game")
	}

	// play goes on as usual afterwards, the human moving for black
	if err := c.ApplyHumanMove(Move{From: "e7", To: "e5"}); err != nil {
		t.Fatalf("ApplyHumanMove after empty reply: %v", err)
	}
}

func TestEngineReplyAppliedWhenCurrent(t *testing.T) {
	c, engine := newTestCoordinator(t)

	if err := c.ApplyHumanMove(Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("ApplyHumanMove: %v", err)
	}
	req := engine.lastRequest(t)

	c.HandleEngineReply(uci.Reply{ID: req.id, PositionFEN: req.fen, MoveUCI: "e7e5"})

	snap := c.Snapshot()
	if snap.HistoryLen != 3 {
		t.Fatalf("HistoryLen after engine reply = %d, want 3", snap.HistoryLen)
	}
	if snap.Turn != "white" || snap.Thinking {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestUndoMakesPendingReplyStale(t *testing.T) {
	c, engine := newTestCoordinator(t)

	if err := c.ApplyHumanMove(Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("ApplyHumanMove: %v", err)
	}
	req := engine.lastRequest(t)

	if err := c.UndoMove(); err != nil {
		t.Fatalf("UndoMove: %v", err)
	}
	if c.Snapshot().HistoryLen != 1 {
		t.Fatalf("HistoryLen after undo = %d, want 1", c.Snapshot().HistoryLen)
	}
	if engine.cancels != 1 {
		t.Fatalf("expected one advisory cancel, got %d", engine.cancels)
	}

	// the reply for the discarded position eventually arrives
	c.HandleEngineReply(uci.Reply{ID: req.id, PositionFEN: req.fen, MoveUCI: "e7e5"})
	if got := c.Snapshot().HistoryLen; got != 1 {
		t.Fatalf("stale reply mutated history: len = %d, want 1", got)
	}
}

func TestResetMakesPendingReplyStale(t *testing.T) {
	c, engine := newTestCoordinator(t)

	if err := c.ApplyHumanMove(Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("ApplyHumanMove: %v", err)
	}
	req := engine.lastRequest(t)

	c.ResetGame()
	c.HandleEngineReply(uci.Reply{ID: req.id, PositionFEN: req.fen, MoveUCI: "e7e5"})

	snap := c.Snapshot()
	if snap.HistoryLen != 1 || snap.Status != "ongoing" {
		t.Fatalf("unexpected snapshot after reset: %+v", snap)
	}
}

func TestStaleRequestIDDropped(t *testing.T) {
	c, engine := newTestCoordinator(t)

	if err := c.ApplyHumanMove(Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("ApplyHumanMove: %v", err)
	}
	req := engine.lastRequest(t)

	// same position, wrong id
	c.HandleEngineReply(uci.Reply{ID: req.id + 7, PositionFEN: req.fen, MoveUCI: "e7e5"})
	if got := c.Snapshot().HistoryLen; got != 2 {
		t.Fatalf("reply with stale id mutated history: len = %d, want 2", got)
	}
}

func TestEngineNotReadySkipsThinkRequest(t *testing.T) {
	c, engine := newTestCoordinator(t)
	engine.mu.Lock()
	engine.ready = false
	engine.mu.Unlock()

	// human may keep moving for either side
	if err := c.ApplyHumanMove(Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("ApplyHumanMove: %v", err)
	}
	if err := c.ApplyHumanMove(Move{From: "e7", To: "e5"}); err != nil {
		t.Fatalf("ApplyHumanMove for black: %v", err)
	}

	if n := engine.requestCount(); n != 0 {
		t.Fatalf("think requests while unavailable = %d, want 0", n)
	}
	if c.Snapshot().HistoryLen != 3 {
		t.Fatalf("moves did not apply while engine down")
	}
}

func TestIllegalEngineMoveDesyncs(t *testing.T) {
	c, engine := newTestCoordinator(t)

	if err := c.ApplyHumanMove(Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("ApplyHumanMove: %v", err)
	}
	req := engine.lastRequest(t)

	c.HandleEngineReply(uci.Reply{ID: req.id, PositionFEN: req.fen, MoveUCI: "e4e5"}) // white pawn, black to move

	if !c.Desynced() {
		t.Fatalf("expected desync after illegal engine move")
	}
	if got := c.Snapshot().HistoryLen; got != 2 {
		t.Fatalf("illegal engine move mutated history: len = %d", got)
	}

	if err := c.ApplyHumanMove(Move{From: "d2", To: "d4"}); !errors.Is(err, ErrDesynced) {
		t.Fatalf("move while desynced = %v, want ErrDesynced", err)
	}

	c.ResetGame()
	if c.Desynced() {
		t.Fatalf("reset did not clear desync")
	}
	if err := c.ApplyHumanMove(Move{From: "d2", To: "d4"}); err != nil {
		t.Fatalf("move after reset: %v", err)
	}
}

func TestIllegalHumanMoveRejected(t *testing.T) {
	c, engine := newTestCoordinator(t)

	if err := c.ApplyHumanMove(Move{From: "e2", To: "e5"}); !errors.Is(err, ErrMoveRejected) {
		t.Fatalf("illegal move error = %v, want ErrMoveRejected", err)
	}
	if got := c.Snapshot().HistoryLen; got != 1 {
		t.Fatalf("rejected move mutated history: len = %d", got)
	}
	if n := engine.requestCount(); n != 0 {
		t.Fatalf("rejected move issued a think request")
	}
}

func TestUndoAtStartReturnsNoHistory(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if err := c.UndoMove(); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("undo at start = %v, want ErrNoHistory", err)
	}
}

func TestSetDifficultyTier(t *testing.T) {
	c, engine := newTestCoordinator(t)

	if applied := c.SetDifficultyTier("expert"); applied != "expert" {
		t.Fatalf("applied tier = %q, want expert", applied)
	}
	if applied := c.SetDifficultyTier("grandmaster"); applied != "casual" {
		t.Fatalf("unknown tier fell back to %q, want casual", applied)
	}

	engine.mu.Lock()
	skills := append([]int(nil), engine.skills...)
	engine.mu.Unlock()
	// attach + two tier changes
	if len(skills) != 3 {
		t.Fatalf("skill updates = %v, want 3 entries", skills)
	}
	if c.Snapshot().HistoryLen != 1 {
		t.Fatalf("tier change touched game state")
	}
}

func TestFinishedGameArchived(t *testing.T) {
	repo := archive.NewMemory()
	c, engine := newTestCoordinator(t, WithArchive(repo))

	// fool's mate: human plays both sides, engine never answers in time
	engine.mu.Lock()
	engine.ready = false
	engine.mu.Unlock()
	for _, mv := range []string{"f2f3", "e7e5", "g2g4", "d8h4"} {
		if err := c.ApplyUCIMove(mv); err != nil {
			t.Fatalf("ApplyUCIMove %s: %v", mv, err)
		}
	}

	snap := c.Snapshot()
	if snap.Status != "checkmate" || snap.Winner != "black" {
		t.Fatalf("unexpected final snapshot: %+v", snap)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		games, err := repo.RecentGames(context.Background(), 1)
		if err != nil {
			t.Fatalf("RecentGames: %v", err)
		}
		if len(games) == 1 {
			g := games[0]
			if g.Result != "checkmate" || g.Winner != "black" || len(g.MovesUCI) != 4 {
				t.Fatalf("unexpected archived game: %+v", g)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("finished game never archived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyPublishesSnapshots(t *testing.T) {
	var (
		mu    sync.Mutex
		snaps []gamedto.Snapshot
	)
	engine := &stubEngine{ready: true}
	c := NewCoordinator(WithNotify(func(s gamedto.Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	}))
	c.AttachEngine(engine)

	if err := c.ApplyHumanMove(Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("ApplyHumanMove: %v", err)
	}
	req := engine.lastRequest(t)
	c.HandleEngineReply(uci.Reply{ID: req.id, PositionFEN: req.fen, MoveUCI: "e7e5"})

	mu.Lock()
	defer mu.Unlock()
	// attach + human move + engine reply
	if len(snaps) != 3 {
		t.Fatalf("published snapshots = %d, want 3", len(snaps))
	}
	last := snaps[len(snaps)-1]
	if last.HistoryLen != 3 || len(last.MovesSAN) != 2 {
		t.Fatalf("unexpected final snapshot: %+v", last)
	}
}
