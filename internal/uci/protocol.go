package uci

import "strings"

// EventKind tags the small set of engine lines the session reacts to.
// Everything else is EventUnrecognized and only ever logged.
type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventIdentAck               // "uciok"
	EventReadyAck               // "readyok"
	EventBestMove               // "bestmove <move> ..."
)

type Event struct {
	Kind EventKind
	Move string // lowercase UCI move, set for EventBestMove
	Line string // raw trimmed line, kept for logging
}

func parseLine(line string) Event {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Event{Kind: EventUnrecognized, Line: line}
	}

	switch fields[0] {
	case "uciok":
		return Event{Kind: EventIdentAck, Line: line}
	case "readyok":
		return Event{Kind: EventReadyAck, Line: line}
	case "bestmove":
		if len(fields) >= 2 && isMoveToken(fields[1]) {
			return Event{Kind: EventBestMove, Move: strings.ToLower(fields[1]), Line: line}
		}
		// "bestmove (none)" and malformed announcements fall through:
		// the session still leaves Thinking but nothing is delivered.
		return Event{Kind: EventBestMove, Line: line}
	default:
		return Event{Kind: EventUnrecognized, Line: line}
	}
}

// isMoveToken checks the compact origin-destination[-promotion] notation,
// e.g. "e2e4" or "a7a8q".
func isMoveToken(tok string) bool {
	tok = strings.ToLower(tok)
	if len(tok) != 4 && len(tok) != 5 {
		return false
	}
	if !isSquare(tok[0], tok[1]) || !isSquare(tok[2], tok[3]) {
		return false
	}
	if len(tok) == 5 && !strings.ContainsRune("qrbn", rune(tok[4])) {
		return false
	}
	return true
}

func isSquare(file, rank byte) bool {
	return file >= 'a' && file <= 'h' && rank >= '1' && rank <= '8'
}
