package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/chessmate/internal/archive"
	"github.com/kapu/chessmate/internal/game"
	"github.com/kapu/chessmate/internal/render"
	"github.com/kapu/chessmate/pkg/gamedto"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *game.Coordinator, *httptest.Server) {
	t.Helper()
	var srv *Server
	coord := game.NewCoordinator(game.WithNotify(func(snap gamedto.Snapshot) {
		if srv != nil {
			srv.Broadcast(snap)
		}
	}))
	srv = New(coord, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, coord, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, in, out any) int {
	t.Helper()
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &body)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStateEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var snap gamedto.Snapshot
	if code := getJSON(t, ts.URL+"/state", &snap); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if snap.Status != "ongoing" {
		t.Fatalf("status = %q, want ongoing", snap.Status)
	}
	if snap.Turn != "white" {
		t.Fatalf("turn = %q, want white", snap.Turn)
	}
	if snap.HistoryLen != 1 {
		t.Fatalf("history_len = %d, want 1", snap.HistoryLen)
	}
}

func TestMoveEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var snap gamedto.Snapshot
	code := postJSON(t, ts.URL+"/move", gamedto.MoveRequest{From: "e2", To: "e4"}, &snap)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(snap.MovesUCI) != 1 || snap.MovesUCI[0] != "e2e4" {
		t.Fatalf("moves = %v, want [e2e4]", snap.MovesUCI)
	}
	if snap.Turn != "black" {
		t.Fatalf("turn = %q, want black", snap.Turn)
	}
}

func TestMoveEndpointRejectsIllegal(t *testing.T) {
	_, _, ts := newTestServer(t)

	var derr gamedto.DomainError
	code := postJSON(t, ts.URL+"/move", gamedto.MoveRequest{From: "e2", To: "e6"}, &derr)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", code)
	}
	if derr.Code != gamedto.CodeMoveRejected {
		t.Fatalf("code = %q, want %q", derr.Code, gamedto.CodeMoveRejected)
	}
}

func TestMoveEndpointRejectsMalformedPayload(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/move", "application/json", bytes.NewBufferString("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUndoEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var derr gamedto.DomainError
	if code := postJSON(t, ts.URL+"/undo", nil, &derr); code != http.StatusConflict {
		t.Fatalf("undo at start: status = %d, want 409", code)
	}
	if derr.Code != gamedto.CodeNoHistory {
		t.Fatalf("code = %q, want %q", derr.Code, gamedto.CodeNoHistory)
	}

	postJSON(t, ts.URL+"/move", gamedto.MoveRequest{From: "e2", To: "e4"}, nil)

	var snap gamedto.Snapshot
	if code := postJSON(t, ts.URL+"/undo", nil, &snap); code != http.StatusOK {
		t.Fatalf("undo: status = %d, want 200", code)
	}
	if snap.HistoryLen != 1 {
		t.Fatalf("history_len = %d, want 1", snap.HistoryLen)
	}
}

func TestResetEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	postJSON(t, ts.URL+"/move", gamedto.MoveRequest{From: "e2", To: "e4"}, nil)

	var before, after gamedto.Snapshot
	getJSON(t, ts.URL+"/state", &before)
	if code := postJSON(t, ts.URL+"/reset", nil, &after); code != http.StatusOK {
		t.Fatalf("reset: status = %d, want 200", code)
	}
	if after.HistoryLen != 1 {
		t.Fatalf("history_len = %d, want 1", after.HistoryLen)
	}
	if after.SessionID == before.SessionID {
		t.Fatal("reset kept the old session id")
	}
}

func TestDifficultyEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var snap gamedto.Snapshot
	if code := postJSON(t, ts.URL+"/difficulty", gamedto.TierRequest{Tier: "expert"}, &snap); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if snap.Tier != "expert" {
		t.Fatalf("tier = %q, want expert", snap.Tier)
	}

	// unknown tiers fall back instead of erroring
	if code := postJSON(t, ts.URL+"/difficulty", gamedto.TierRequest{Tier: "grandmaster"}, &snap); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if snap.Tier != "casual" {
		t.Fatalf("tier = %q, want casual", snap.Tier)
	}
}

func TestLegalEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var out struct {
		From         string   `json:"from"`
		Destinations []string `json:"destinations"`
	}
	if code := getJSON(t, ts.URL+"/legal?from=e2", &out); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(out.Destinations) != 2 {
		t.Fatalf("destinations = %v, want e3 and e4", out.Destinations)
	}

	if code := getJSON(t, ts.URL+"/legal", nil); code != http.StatusBadRequest {
		t.Fatalf("missing from: status = %d, want 400", code)
	}
}

func TestGamesEndpoint(t *testing.T) {
	repo := archive.NewMemory()
	_, _, ts := newTestServer(t, WithArchive(repo))

	now := time.Now()
	if _, err := repo.InsertGame(context.Background(), &archive.Game{
		SessionUUID: "s-1",
		Tier:        "casual",
		Result:      "checkmate",
		Winner:      "black",
		MovesUCI:    []string{"f2f3", "e7e5", "g2g4", "d8h4"},
		StartedAt:   now.Add(-time.Minute),
		EndedAt:     now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var games []*archive.Game
	if code := getJSON(t, ts.URL+"/games", &games); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(games) != 1 || games[0].SessionUUID != "s-1" {
		t.Fatalf("games = %+v, want one game for s-1", games)
	}

	if code := getJSON(t, ts.URL+"/games?limit=zero", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d, want 400", code)
	}
}

func TestGamesEndpointWithoutArchive(t *testing.T) {
	_, _, ts := newTestServer(t)
	if code := getJSON(t, ts.URL+"/games", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestBoardEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, WithRenderer(render.NewRenderer("")))

	resp, err := http.Get(ts.URL + "/board.png")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type = %q, want image/png", ct)
	}
}

func TestBoardEndpointWithoutRenderer(t *testing.T) {
	_, _, ts := newTestServer(t)
	if code := getJSON(t, ts.URL+"/board.png", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestMethodGuards(t *testing.T) {
	_, _, ts := newTestServer(t)

	if code := postJSON(t, ts.URL+"/state", nil, nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /state: status = %d, want 405", code)
	}
	if code := getJSON(t, ts.URL+"/move", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /move: status = %d, want 405", code)
	}
}

func TestWebsocketStreamsSnapshots(t *testing.T) {
	_, _, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// initial snapshot arrives without any mutation
	var snap gamedto.Snapshot
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if snap.HistoryLen != 1 {
		t.Fatalf("history_len = %d, want 1", snap.HistoryLen)
	}

	postJSON(t, ts.URL+"/move", gamedto.MoveRequest{From: "e2", To: "e4"}, nil)

	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read pushed snapshot: %v", err)
	}
	if len(snap.MovesUCI) != 1 || snap.MovesUCI[0] != "e2e4" {
		t.Fatalf("pushed moves = %v, want [e2e4]", snap.MovesUCI)
	}
}
