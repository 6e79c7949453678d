// chessmatectl drives a running chessmate bridge from the command line,
// handy for poking at a session without a UI attached.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/chessmate/internal/client"
	"github.com/kapu/chessmate/pkg/gamedto"
)

func main() {
	baseURL := os.Getenv("CHESSMATE_BASE_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8712"
	}

	c := client.NewClient(baseURL, client.WithTimeout(8*time.Second))

	args := os.Args[1:]
	cmd := "state"
	if len(args) > 0 {
		cmd = strings.ToLower(args[0])
		args = args[1:]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch cmd {
	case "state":
		printSnap(must(c.State(ctx)))
	case "move":
		if len(args) < 1 {
			log.Fatal("usage: chessmatectl move <uci, e.g. e2e4 or e7e8q>")
		}
		mv := strings.ToLower(args[0])
		if len(mv) < 4 {
			log.Fatalf("move %q too short", mv)
		}
		promo := ""
		if len(mv) > 4 {
			promo = mv[4:]
		}
		printSnap(must(c.Move(ctx, mv[:2], mv[2:4], promo)))
	case "undo":
		printSnap(must(c.Undo(ctx)))
	case "reset":
		printSnap(must(c.Reset(ctx)))
	case "difficulty":
		if len(args) < 1 {
			log.Fatal("usage: chessmatectl difficulty <tier>")
		}
		printSnap(must(c.SetDifficulty(ctx, args[0])))
	case "legal":
		if len(args) < 1 {
			log.Fatal("usage: chessmatectl legal <square>")
		}
		dests, err := c.LegalDestinations(ctx, args[0])
		if err != nil {
			log.Fatalf("legal: %v", err)
		}
		fmt.Printf("%s: %s\n", args[0], strings.Join(dests, " "))
	case "games":
		limit := 10
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				limit = n
			}
		}
		games, err := c.RecentGames(ctx, limit)
		if err != nil {
			log.Fatalf("games: %v", err)
		}
		for _, g := range games {
			fmt.Printf("#%d %s result=%s winner=%s tier=%s moves=%d duration=%s\n",
				g.ID, g.SessionUUID, g.Result, g.Winner, g.Tier, len(g.MovesUCI), g.Duration().Round(time.Second))
		}
	case "watch":
		watch(baseURL)
	default:
		log.Fatalf("unknown command %q (state|move|undo|reset|difficulty|legal|games|watch)", cmd)
	}
}

// watch tails the snapshot stream until interrupted.
func watch(baseURL string) {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws"

	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, _, err := websocket.Dial(dctx, wsURL, nil)
	cancel()
	if err != nil {
		log.Fatalf("ws connect error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	log.Printf("watching %s", wsURL)
	for {
		var snap gamedto.Snapshot
		if err := wsjson.Read(context.Background(), conn, &snap); err != nil {
			log.Printf("ws read error: %v", err)
			return
		}
		printSnap(&snap)
	}
}

func printSnap(snap *gamedto.Snapshot) {
	line := ""
	if n := len(snap.MovesSAN); n > 0 {
		line = " last=" + snap.MovesSAN[n-1]
	}
	sid := snap.SessionID
	if len(sid) > 8 {
		sid = sid[:8]
	}
	fmt.Printf("[%s] %s to move, status=%s tier=%s engine_ready=%t thinking=%t%s\n",
		sid, snap.Turn, snap.Status, snap.Tier, snap.EngineReady, snap.Thinking, line)
	if snap.Winner != "" {
		fmt.Printf("winner: %s\n", snap.Winner)
	}
	if snap.Desynced {
		fmt.Println("DESYNCED: reset required")
	}
	fmt.Println(snap.FEN)
}

func must(snap *gamedto.Snapshot, err error) *gamedto.Snapshot {
	if err != nil {
		log.Fatalf("bridge error: %v", err)
	}
	return snap
}
