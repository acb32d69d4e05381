package daemon

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cydjerr/speakjerr/internal/config"
	"github.com/cydjerr/speakjerr/internal/conn"
	"github.com/cydjerr/speakjerr/internal/credentials"
	"github.com/cydjerr/speakjerr/internal/mockbackend"
	"github.com/cydjerr/speakjerr/internal/profile"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/store"
	intsync "github.com/cydjerr/speakjerr/internal/sync"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServingStatus(t *testing.T) {
	if got := ServingStatus(conn.Authenticated); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("authenticated = %v", got)
	}
	for _, s := range []conn.State{conn.Disconnected, conn.Connecting, conn.Connected, conn.Reconnecting} {
		if got := ServingStatus(s); got != healthpb.HealthCheckResponse_NOT_SERVING {
			t.Errorf("%s = %v", s, got)
		}
	}
}

func TestHydratorRunAfterWaitIsNoop(t *testing.T) {
	// No lists are wired: a run that got past the stop check would panic.
	h := NewHydrator(nil, nil, nil, nil, zaptest.NewLogger(t))
	h.Wait()
	h.Run(context.Background())
	h.Wait()
}

func TestDaemonLifecycle(t *testing.T) {
	// Short path to stay under the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "sj-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	t.Setenv("SPEAKJERR_HOME", tmpDir)

	alice := protocol.User{ID: "alice", Name: "Alice"}
	bob := protocol.User{ID: "bob", Name: "Bob"}
	backend := mockbackend.New(mockbackend.Options{Logger: zaptest.NewLogger(t)})
	backend.AddUser(alice)
	backend.AddUser(bob)
	backend.AddConversation(protocol.Conversation{ID: "c1", Participants: []protocol.User{alice, bob}})
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	token, err := backend.IssueToken("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	const name = "test"
	if err := profile.EnsureDir(name); err != nil {
		t.Fatal(err)
	}
	seed, err := store.OpenMigrated(profile.CachePath(name))
	if err != nil {
		t.Fatal(err)
	}
	if err := credentials.NewSQLite(seed).SetToken(context.Background(), token); err != nil {
		t.Fatal(err)
	}
	_ = seed.Close()

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL + "/api"
	socketPath := filepath.Join(tmpDir, "d.sock")

	var (
		db  *store.DB
		rec *intsync.Reconciler
	)
	app := fxtest.New(t,
		Module(Params{Profile: name, SocketPath: socketPath, Config: cfg, Logger: zaptest.NewLogger(t)}),
		fx.Populate(&db, &rec),
	)
	app.RequireStart()
	defer app.RequireStop()

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	resp, err := client.Check(ctx, "")
	if err != nil {
		t.Fatalf("Check error = %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("daemon status = %v", resp.Status)
	}

	eventually(t, "realtime SERVING", func() bool {
		resp, err := client.Check(ctx, RealtimeService)
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	})
	eventually(t, "backend session", func() bool { return backend.Connected("alice") })

	eventually(t, "hydration checkpoint", func() bool {
		_, ok, err := rec.LastHydrated(ctx, "conversations")
		return err == nil && ok
	})
	eventually(t, "conversation persisted", func() bool {
		conv, err := db.GetConversation(ctx, "c1")
		return err == nil && conv != nil
	})

	msg, err := backend.PostMessage("bob", "c1", protocol.MessageText, "hello")
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "message persisted", func() bool {
		m, err := db.GetMessage(ctx, msg.ID)
		return err == nil && m != nil && m.Content == "hello"
	})
}

func TestDaemonWithoutCredentials(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "sj-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	t.Setenv("SPEAKJERR_HOME", tmpDir)

	socketPath := filepath.Join(tmpDir, "d.sock")
	app := fxtest.New(t,
		Module(Params{Profile: "anon", SocketPath: socketPath, Config: config.Default(), Logger: zaptest.NewLogger(t)}),
	)
	app.RequireStart()
	defer app.RequireStop()

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	resp, err := client.Check(context.Background(), RealtimeService)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("realtime status = %v, want NOT_SERVING", resp.Status)
	}
}
