// Package server is the local UI bridge: a small HTTP surface over the
// game coordinator plus a websocket stream of state snapshots. It binds
// to loopback by default and carries no auth.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/chessmate/internal/archive"
	"github.com/kapu/chessmate/internal/game"
	"github.com/kapu/chessmate/internal/render"
	"github.com/kapu/chessmate/pkg/gamedto"
)

const (
	wsWriteTimeout = 5 * time.Second
	// snapshots a slow websocket client may fall behind by before
	// updates are dropped on the floor
	subscriberBuffer = 8

	defaultGamesLimit = 20
	maxGamesLimit     = 100
)

type Server struct {
	log      *zap.Logger
	coord    *game.Coordinator
	renderer *render.Renderer
	archive  archive.Repository

	httpSrv *http.Server

	subMu sync.Mutex
	subs  map[chan gamedto.Snapshot]struct{}
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRenderer enables GET /board.png.
func WithRenderer(r *render.Renderer) Option {
	return func(s *Server) { s.renderer = r }
}

// WithArchive enables GET /games.
func WithArchive(repo archive.Repository) Option {
	return func(s *Server) { s.archive = repo }
}

func New(coord *game.Coordinator, opts ...Option) *Server {
	s := &Server{
		log:   zap.NewNop(),
		coord: coord,
		subs:  map[chan gamedto.Snapshot]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/board.png", s.handleBoard)
	mux.HandleFunc("/legal", s.handleLegal)
	mux.HandleFunc("/games", s.handleGames)
	mux.HandleFunc("/move", s.handleMove)
	mux.HandleFunc("/undo", s.handleUndo)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/difficulty", s.handleDifficulty)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.log.Info("ui bridge listening", zap.String("addr", addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Broadcast fans a snapshot out to every websocket subscriber. Wire it
// as the coordinator's notify callback; sends never block, a subscriber
// that stopped draining loses intermediate snapshots.
func (s *Server) Broadcast(snap gamedto.Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Server) subscribe() chan gamedto.Snapshot {
	ch := make(chan gamedto.Snapshot, subscriberBuffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan gamedto.Snapshot) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, gamedto.CodeBadRequest, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, gamedto.CodeBadRequest, "GET only")
		return
	}
	if s.renderer == nil {
		writeError(w, http.StatusNotFound, gamedto.CodeBadRequest, "board rendering disabled")
		return
	}

	board, last := s.coord.Board()
	var highlight *render.Highlight
	if last != nil {
		highlight = &render.Highlight{From: last.S1(), To: last.S2()}
	}
	png, err := s.renderer.RenderPNG(board, highlight)
	if err != nil {
		s.log.Error("render board", zap.Error(err))
		writeError(w, http.StatusInternalServerError, gamedto.CodeBadRequest, "render failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) handleLegal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, gamedto.CodeBadRequest, "GET only")
		return
	}
	from := r.URL.Query().Get("from")
	if from == "" {
		writeError(w, http.StatusBadRequest, gamedto.CodeBadRequest, "from query parameter is required")
		return
	}
	dests := s.coord.LegalDestinations(from)
	writeJSON(w, http.StatusOK, map[string]any{
		"from":         from,
		"destinations": dests,
	})
}

func (s *Server) handleGames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, gamedto.CodeBadRequest, "GET only")
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusNotFound, gamedto.CodeBadRequest, "archive disabled")
		return
	}

	limit := defaultGamesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, gamedto.CodeBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxGamesLimit {
			n = maxGamesLimit
		}
		limit = n
	}

	games, err := s.archive.RecentGames(r.Context(), limit)
	if err != nil {
		s.log.Error("list archived games", zap.Error(err))
		writeError(w, http.StatusInternalServerError, gamedto.CodeBadRequest, "archive unavailable")
		return
	}
	writeJSON(w, http.StatusOK, games)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, gamedto.CodeBadRequest, "POST only")
		return
	}
	var req gamedto.MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, gamedto.CodeBadRequest, "malformed move payload")
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, gamedto.CodeBadRequest, "from and to are required")
		return
	}

	err := s.coord.ApplyHumanMove(game.Move{From: req.From, To: req.To, Promotion: req.Promotion})
	if err != nil {
		writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, gamedto.CodeBadRequest, "POST only")
		return
	}
	if err := s.coord.UndoMove(); err != nil {
		writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, gamedto.CodeBadRequest, "POST only")
		return
	}
	s.coord.ResetGame()
	writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleDifficulty(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, gamedto.CodeBadRequest, "POST only")
		return
	}
	var req gamedto.TierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, gamedto.CodeBadRequest, "malformed tier payload")
		return
	}
	applied := s.coord.SetDifficultyTier(req.Tier)
	s.log.Info("difficulty changed", zap.String("requested", req.Tier), zap.String("applied", applied))
	writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

// handleWS upgrades to a websocket and streams snapshots. The current
// state is sent immediately so a client never renders from nothing.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// snapshots only flow outward; CloseRead keeps control frames
	// serviced and cancels the context when the client goes away
	ctx := conn.CloseRead(r.Context())
	if err := s.writeSnapshot(ctx, conn, s.coord.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case snap := <-ch:
			if err := s.writeSnapshot(ctx, conn, snap); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap gamedto.Snapshot) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, snap); err != nil {
		s.log.Debug("websocket write failed, dropping subscriber", zap.Error(err))
		return err
	}
	return nil
}

// writeGameError maps coordinator errors onto stable wire codes.
func writeGameError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrMoveRejected):
		writeError(w, http.StatusUnprocessableEntity, gamedto.CodeMoveRejected, err.Error())
	case errors.Is(err, game.ErrNoHistory):
		writeError(w, http.StatusConflict, gamedto.CodeNoHistory, err.Error())
	case errors.Is(err, game.ErrDesynced):
		writeError(w, http.StatusConflict, gamedto.CodeDesynced, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, gamedto.CodeBadRequest, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, gamedto.DomainError{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
