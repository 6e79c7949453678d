package game

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var (
	// ErrMoveRejected means the rules engine refused the move. User
	// input error, never a system fault: state is unchanged.
	ErrMoveRejected = errors.New("illegal move")

	// ErrNoHistory means undo was called at the initial position.
	ErrNoHistory = errors.New("no moves to undo")
)

// Move is an origin square, a destination square and an optional
// promotion piece letter (q, r, b or n).
type Move struct {
	From      string
	To        string
	Promotion string
}

// UCI renders the move in the engine's compact notation.
func (m Move) UCI() string {
	return strings.ToLower(strings.TrimSpace(m.From) + strings.TrimSpace(m.To) + strings.TrimSpace(m.Promotion))
}

// Result classifies the game against the current position.
type Result int

const (
	ResultOngoing Result = iota
	ResultCheckmate
	ResultStalemate
	ResultDraw
)

func (r Result) String() string {
	switch r {
	case ResultCheckmate:
		return "checkmate"
	case ResultStalemate:
		return "stalemate"
	case ResultDraw:
		return "draw"
	default:
		return "ongoing"
	}
}

// Status is the terminal-state query result. Winner is meaningful only
// for ResultCheckmate.
type Status struct {
	Result Result
	Winner nchess.Color
}

func (s Status) Ongoing() bool { return s.Result == ResultOngoing }

// State owns the authoritative position and the replayable move history.
// The history is the applied UCI move list plus the implicit initial
// position, so HistoryLen is always 1 + number of applied moves. All
// legality and terminal-state questions are delegated to the rules
// engine; State never inspects position internals itself.
type State struct {
	game  *nchess.Game
	moves []string
}

func NewState() *State {
	return &State{game: nchess.NewGame()}
}

// ApplyMove validates the move against the current position and, if
// legal, pushes the resulting position. Returns the new position's FEN.
func (st *State) ApplyMove(m Move) (string, error) {
	return st.ApplyUCI(m.UCI())
}

// ApplyUCI is ApplyMove for moves already in compact engine notation.
func (st *State) ApplyUCI(uci string) (string, error) {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if uci == "" {
		return "", ErrMoveRejected
	}

	notation := nchess.UCINotation{}
	mv, err := notation.Decode(st.game.Position(), uci)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMoveRejected, uci)
	}
	if err := st.game.Move(mv, nil); err != nil {
		return "", fmt.Errorf("%w: %s", ErrMoveRejected, uci)
	}

	st.moves = append(st.moves, uci)
	return st.game.FEN(), nil
}

// Undo pops the last applied move and rebuilds the position by replaying
// the remaining history from the start.
func (st *State) Undo() (string, error) {
	if len(st.moves) == 0 {
		return "", ErrNoHistory
	}

	trimmed := st.moves[:len(st.moves)-1]
	game, err := replay(trimmed)
	if err != nil {
		// the remaining prefix was applied legally before, so this
		// cannot happen with an intact rules engine
		return "", fmt.Errorf("replay after undo: %w", err)
	}

	st.moves = append([]string(nil), trimmed...)
	st.game = game
	return st.game.FEN(), nil
}

// Reset discards the history and starts over from the initial position.
// It always succeeds.
func (st *State) Reset() {
	st.game = nchess.NewGame()
	st.moves = nil
}

func replay(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	notation := nchess.UCINotation{}
	for _, raw := range moves {
		mv, err := notation.Decode(game.Position(), raw)
		if err != nil {
			return nil, fmt.Errorf("decode move %s: %w", raw, err)
		}
		if err := game.Move(mv, nil); err != nil {
			return nil, fmt.Errorf("apply move %s: %w", raw, err)
		}
	}
	return game, nil
}

// FEN is the serialized current position. Position equality throughout
// the coordinator is FEN string equality.
func (st *State) FEN() string { return st.game.FEN() }

// HistoryLen counts positions, not moves: the initial position included.
func (st *State) HistoryLen() int { return len(st.moves) + 1 }

// Moves returns the applied move list in compact notation.
func (st *State) Moves() []string {
	return append([]string(nil), st.moves...)
}

// MovesSAN returns the applied move list in algebraic notation.
func (st *State) MovesSAN() []string {
	moves := st.game.Moves()
	positions := st.game.Positions()
	notation := nchess.AlgebraicNotation{}

	san := make([]string, 0, len(moves))
	for i, mv := range moves {
		if i < len(positions) {
			san = append(san, notation.Encode(positions[i], mv))
		}
	}
	return san
}

// PGN renders the full game record.
func (st *State) PGN() string { return st.game.String() }

// colorName maps a rules-engine color to the wire spelling. The library's
// own String() yields the FEN letters "w"/"b", which is not what UI
// consumers expect.
func colorName(c nchess.Color) string {
	if c == nchess.White {
		return "white"
	}
	return "black"
}

// Turn reports the side to move as "white" or "black".
func (st *State) Turn() string {
	return colorName(st.game.Position().Turn())
}

// Board exposes the current board for rendering.
func (st *State) Board() *nchess.Board { return st.game.Position().Board() }

// LastMove returns the most recently applied move, or nil for the
// initial position. Used for highlight rendering.
func (st *State) LastMove() *nchess.Move {
	moves := st.game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

// Status classifies the current position.
func (st *State) Status() Status {
	switch st.game.Outcome() {
	case nchess.WhiteWon:
		return Status{Result: ResultCheckmate, Winner: nchess.White}
	case nchess.BlackWon:
		return Status{Result: ResultCheckmate, Winner: nchess.Black}
	case nchess.Draw:
		if st.game.Method() == nchess.Stalemate {
			return Status{Result: ResultStalemate}
		}
		return Status{Result: ResultDraw}
	default:
		return Status{Result: ResultOngoing}
	}
}

// LegalDestinations lists the squares the piece on the given origin
// square may move to. Empty origin squares and opponent pieces yield an
// empty list.
func (st *State) LegalDestinations(from string) []string {
	from = strings.ToLower(strings.TrimSpace(from))
	if from == "" {
		return nil
	}

	var out []string
	seen := make(map[string]struct{})
	for _, mv := range st.game.ValidMoves() {
		if mv.S1().String() != from {
			continue
		}
		to := mv.S2().String()
		if _, dup := seen[to]; dup {
			continue
		}
		seen[to] = struct{}{}
		out = append(out, to)
	}
	return out
}
