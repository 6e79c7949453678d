package uci

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// State is the session's protocol phase. A session moves forward through
// Negotiating to Ready and bounces between Ready and Thinking; any
// transport failure drops it to Uninitialized for good. A dead session is
// never revived in place: construct a new one.
type State int

const (
	StateUninitialized State = iota
	StateNegotiating
	StateReady
	StateThinking
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateThinking:
		return "thinking"
	default:
		return "uninitialized"
	}
}

var (
	// ErrEngineBusy means RequestMove was called outside Ready. The
	// coordinator is responsible for never doing that, so seeing this
	// error indicates a caller bug rather than a recoverable condition.
	ErrEngineBusy = errors.New("engine session not ready for a think request")

	// ErrEngineUnavailable means the session is dead (process gone or
	// never started) and a new one must be constructed.
	ErrEngineUnavailable = errors.New("engine session unavailable")
)

// Reply carries a completed think back to the reply handler. PositionFEN
// is the position the request was issued against; consumers must compare
// it to their live position before applying MoveUCI. An empty MoveUCI
// means the engine answered "bestmove (none)": the think completed with
// nothing to play.
type Reply struct {
	ID          uint64
	PositionFEN string
	MoveUCI     string
}

// Handler receives validated best-move announcements. It is invoked from
// the session's reader goroutine, one reply at a time, with no session
// lock held.
type Handler func(Reply)

type pendingThink struct {
	id  uint64
	fen string
}

// Session drives one engine process through the UCI handshake and
// think/respond cycle. All interaction is serialized through a single
// pending-request slot; replies are tagged with the request id and the
// position they were computed against.
type Session struct {
	log *zap.Logger

	mu      sync.Mutex
	state   State
	stdin   io.WriteCloser
	cmd     *exec.Cmd
	nextID  uint64
	pending *pendingThink

	// skill option staged while the session cannot accept it: before the
	// handshake completes, or while a think is in flight.
	queuedSkill *int

	onReply Handler
	onDown  func(error)
}

type Option func(*Session)

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDownHandler registers a callback fired once when the session drops
// to Uninitialized because of a transport failure. A deliberate Close
// does not fire it.
func WithDownHandler(fn func(error)) Option {
	return func(s *Session) { s.onDown = fn }
}

// NewSession spawns the engine binary and starts the protocol handshake.
// The returned session is Negotiating; it becomes Ready on its own once
// the engine acknowledges identification and readiness.
func NewSession(binaryPath string, handler Handler, opts ...Option) (*Session, error) {
	if handler == nil {
		return nil, fmt.Errorf("reply handler is required")
	}
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("engine binary check: %w", err)
	}

	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := newSession(cmd, stdin, stdout, handler, opts...)
	if err := s.begin(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// newSession wires a session over raw pipes. Split out from NewSession so
// tests can drive the protocol without a real process (cmd nil); callers
// other than tests must use NewSession. The process handle is stored
// before the reader goroutine starts so a stdout EOF racing construction
// still reaches the kill in failLocked.
func newSession(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, handler Handler, opts ...Option) *Session {
	s := &Session{
		log:     zap.NewNop(),
		state:   StateUninitialized,
		stdin:   stdin,
		cmd:     cmd,
		onReply: handler,
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.readLoop(stdout)
	return s
}

// begin sends the identification command and enters Negotiating.
func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sendLocked("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	s.state = StateNegotiating
	return nil
}

// State reports the current protocol phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsReady reports whether a think request would be accepted right now.
func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

// SetSkillLevel updates the engine-side difficulty option. If the session
// is Ready the option goes out immediately; while Negotiating it is
// applied upon reaching Ready; while Thinking it is held back until the
// current think completes, never interrupting it.
func (s *Session) SetSkillLevel(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady:
		if err := s.sendSkillLocked(level); err != nil {
			s.failLocked(err)
		}
	case StateNegotiating, StateThinking:
		v := level
		s.queuedSkill = &v
	default:
		// dead session, nothing to configure
	}
}

// RequestMove issues a think request against the given position. It never
// blocks: the result arrives later through the reply handler, tagged with
// the returned request id. Only a Ready session accepts a request.
func (s *Session) RequestMove(fen string, depth int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady:
	case StateUninitialized:
		return 0, ErrEngineUnavailable
	default:
		return 0, ErrEngineBusy
	}

	s.nextID++
	id := s.nextID

	if err := s.sendLocked("position fen " + fen + "\n"); err != nil {
		s.failLocked(err)
		return 0, fmt.Errorf("send position: %w", err)
	}
	if err := s.sendLocked("go depth " + strconv.Itoa(depth) + "\n"); err != nil {
		s.failLocked(err)
		return 0, fmt.Errorf("send go: %w", err)
	}

	s.pending = &pendingThink{id: id, fen: fen}
	s.state = StateThinking
	return id, nil
}

// Cancel asks the engine to cut the in-flight think short. It is purely
// advisory: not every engine honors stop, and any reply that arrives
// anyway is still tagged so the consumer's staleness check catches it.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateThinking {
		return
	}
	if err := s.sendLocked("stop\n"); err != nil {
		s.failLocked(err)
	}
}

// Close tears the session down. The state drops to Uninitialized and the
// process, if any, is killed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.failLocked(nil)
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil {
		return cmd.Wait()
	}
	return nil
}

func (s *Session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		s.handleEvent(parseLine(scanner.Text()))
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.failLocked(fmt.Errorf("engine transport: %w", err))
	s.mu.Unlock()
}

func (s *Session) handleEvent(ev Event) {
	s.mu.Lock()

	switch ev.Kind {
	case EventIdentAck:
		if s.state != StateNegotiating {
			s.mu.Unlock()
			return
		}
		// identification acknowledged; probe readiness
		if err := s.sendLocked("isready\n"); err != nil {
			s.failLocked(err)
		}
		s.mu.Unlock()

	case EventReadyAck:
		if s.state != StateNegotiating {
			s.mu.Unlock()
			return
		}
		s.state = StateReady
		s.flushQueuedSkillLocked()
		s.mu.Unlock()
		s.log.Info("engine session ready")

	case EventBestMove:
		if s.state != StateThinking || s.pending == nil {
			s.mu.Unlock()
			s.log.Warn("bestmove without pending think", zap.String("line", ev.Line))
			return
		}
		pending := *s.pending
		s.pending = nil
		s.state = StateReady
		s.flushQueuedSkillLocked()
		s.mu.Unlock()

		if ev.Move == "" {
			s.log.Warn("engine announced no move", zap.Uint64("request_id", pending.id), zap.String("line", ev.Line))
		}
		// delivered even with an empty move so the consumer can retire
		// its pending request
		s.onReply(Reply{ID: pending.id, PositionFEN: pending.fen, MoveUCI: ev.Move})

	default:
		s.mu.Unlock()
		s.log.Debug("engine line ignored", zap.String("line", ev.Line))
	}
}

func (s *Session) flushQueuedSkillLocked() {
	if s.queuedSkill == nil {
		return
	}
	level := *s.queuedSkill
	s.queuedSkill = nil
	if err := s.sendSkillLocked(level); err != nil {
		s.failLocked(err)
	}
}

func (s *Session) sendSkillLocked(level int) error {
	return s.sendLocked(fmt.Sprintf("setoption name Skill Level value %d\n", level))
}

func (s *Session) sendLocked(msg string) error {
	_, err := io.WriteString(s.stdin, msg)
	return err
}

// failLocked drops the session to Uninitialized, kills the process and,
// when the cause is a failure, fires the down handler exactly once. Safe
// to call repeatedly.
func (s *Session) failLocked(err error) {
	if s.state == StateUninitialized && s.pending == nil && s.stdin == nil {
		return
	}
	wasDead := s.state == StateUninitialized

	s.state = StateUninitialized
	s.pending = nil
	s.queuedSkill = nil

	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}

	if wasDead || err == nil {
		// nil err is a deliberate Close; only failures reach the handler
		return
	}
	s.log.Warn("engine session down", zap.Error(err))
	if s.onDown != nil {
		down := s.onDown
		s.onDown = nil
		go down(err)
	}
}
