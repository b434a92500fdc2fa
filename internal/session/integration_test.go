//go:build integration

package session_test

import (
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/internal/itest"
	"github.com/forgelight-games/forgelight-fleet/internal/pool"
	"github.com/forgelight-games/forgelight-fleet/internal/session"
	"github.com/forgelight-games/forgelight-fleet/internal/testutil"
	"github.com/forgelight-games/forgelight-fleet/pkg/bus"
)

func TestListenServerSessionOverNATS(t *testing.T) {
	h := itest.Start(t)

	schema, err := os.ReadFile("../../deploy/sql/migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	itest.RunSQL(t, h.PostgresURL, string(schema))

	db, err := sql.Open("pgx", h.PostgresURL)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	nc := itest.NATS(t, h.NATSURL)
	redisClient := itest.Redis(t, h.RedisAddr)

	ctx, cancel := testutil.Context(t)
	defer cancel()

	statusStore := session.NewRedisStatusStore(redisClient, time.Hour)
	manager := session.NewManager(ctx, session.NewRegistry(), session.Options{
		Pool:       pool.NewExternalPool(),
		Tokens:     session.NewTokenIssuer("it-secret", time.Hour),
		Recorder:   session.NewPostgresRepository(db),
		StatusSink: statusStore,
		Publisher:  nc,
	}, nc, zerolog.Nop())

	const sessionID = "it-sess"
	if _, err := manager.CreateSession(session.Config{
		SessionID:        sessionID,
		Roster:           []string{"u1"},
		ServerCredential: "it-credential",
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	delivery, err := nc.SubscribeSync(bus.PeerSubject("p1", ">"))
	if err != nil {
		t.Fatalf("subscribe peer delivery: %v", err)
	}
	defer delivery.Unsubscribe()

	request := func(route string, frame map[string]any) []byte {
		t.Helper()
		data, _ := json.Marshal(frame)
		msg, err := nc.Request(bus.SessionSubject(sessionID, route), data, 10*time.Second)
		if err != nil {
			t.Fatalf("request %s: %v", route, err)
		}
		var reply map[string]any
		if err := json.Unmarshal(msg.Data, &reply); err == nil {
			if errText, ok := reply["error"]; ok {
				t.Fatalf("request %s refused: %v", route, errText)
			}
		}
		return msg.Data
	}

	request(contracts.RouteConnect, map[string]any{"peer_id": "p1", "user_id": "u1"})
	request(contracts.RouteReady, map[string]any{"peer_id": "p1", "user_id": "u1"})

	final := request(contracts.RoutePostResults, map[string]any{
		"peer_id": "p1",
		"user_id": "u1",
		"payload": json.RawMessage(`{"score":42}`),
	})
	var aggregate map[string]json.RawMessage
	if err := json.Unmarshal(final, &aggregate); err != nil {
		t.Fatalf("decode aggregate: %v", err)
	}
	if _, ok := aggregate["u1"]; !ok {
		t.Fatalf("aggregate missing u1: %s", final)
	}

	waitForStatus(t, statusStore, sessionID, session.StatusShutdown.String())

	var status string
	if err := db.QueryRow(`SELECT status FROM sessions WHERE id = $1`, sessionID).Scan(&status); err != nil {
		t.Fatalf("query session row: %v", err)
	}
	if status != "shutdown" {
		t.Fatalf("persisted status = %q", status)
	}
	var results int
	if err := db.QueryRow(`SELECT COUNT(*) FROM session_results WHERE session_id = $1`, sessionID).Scan(&results); err != nil {
		t.Fatalf("query results: %v", err)
	}
	if results != 1 {
		t.Fatalf("results = %d, want 1", results)
	}

	drainRoutes(t, delivery)
}

func waitForStatus(t *testing.T, store *session.RedisStatusStore, sessionID, want string) {
	t.Helper()
	ctx, cancel := itest.WaitContext()
	defer cancel()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetStatus(ctx, sessionID)
		if err == nil && got == want {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %q", sessionID, want)
}

// drainRoutes asserts that the delivery subject saw the protocol broadcasts
// a completing listen-server session produces.
func drainRoutes(t *testing.T, delivery *nats.Subscription) {
	t.Helper()
	seen := map[string]bool{}
	for {
		msg, err := delivery.NextMsg(500 * time.Millisecond)
		if err != nil {
			break
		}
		seen[msg.Subject] = true
	}
	for _, route := range []string{contracts.RouteAllReady, contracts.RouteJoinToken, contracts.RouteDisconnect} {
		if !seen[bus.PeerSubject("p1", route)] {
			t.Fatalf("missing %s delivery, saw %v", route, seen)
		}
	}
}
