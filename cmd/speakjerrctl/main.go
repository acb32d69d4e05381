package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/cydjerr/speakjerr/internal/credentials"
	"github.com/cydjerr/speakjerr/internal/daemon"
	"github.com/cydjerr/speakjerr/internal/profile"
	"github.com/cydjerr/speakjerr/internal/store"
)

func main() {
	profileFlag := pflag.StringP("profile", "p", "", "profile name (overrides config default)")
	jsonFlag := pflag.Bool("json", false, "output in JSON format")
	pflag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := pflag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "login":
		if len(args) < 2 {
			fatalf("usage: speakjerrctl login <token>")
		}
		cmdLogin(ctx, name, args[1])
	case "logout":
		cmdLogout(ctx, name)
	case "whoami":
		cmdWhoami(ctx, name, *jsonFlag)
	case "status":
		cmdStatus(ctx, name, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, name, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: speakjerrctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login <token>    Store the session token")
	fmt.Fprintln(os.Stderr, "  logout           Remove the session token")
	fmt.Fprintln(os.Stderr, "  whoami           Show the stored token's subject and expiry")
	fmt.Fprintln(os.Stderr, "  status           Show daemon and realtime health")
	fmt.Fprintln(os.Stderr, "  conversations    List cached conversations")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func openStore(name string) *store.DB {
	if err := profile.EnsureDir(name); err != nil {
		fatalf("%v", err)
	}
	db, err := store.OpenMigrated(profile.CachePath(name))
	if err != nil {
		fatalf("open cache: %v", err)
	}
	return db
}

func cmdLogin(ctx context.Context, name, token string) {
	token = strings.TrimSpace(token)
	if credentials.Expired(token, time.Now()) {
		fatalf("token is expired")
	}
	db := openStore(name)
	defer func() { _ = db.Close() }()
	if err := credentials.NewSQLite(db).SetToken(ctx, token); err != nil {
		fatalf("store token: %v", err)
	}
	fmt.Printf("Token stored for profile %q. Restart speakjerrd to connect.\n", name)
}

func cmdLogout(ctx context.Context, name string) {
	db := openStore(name)
	defer func() { _ = db.Close() }()
	if err := credentials.NewSQLite(db).Clear(ctx); err != nil {
		fatalf("clear token: %v", err)
	}
	fmt.Println("Logged out.")
}

func cmdWhoami(ctx context.Context, name string, jsonOut bool) {
	db := openStore(name)
	defer func() { _ = db.Close() }()
	token, err := credentials.NewSQLite(db).Token(ctx)
	if err != nil {
		fatalf("not logged in")
	}
	out := map[string]any{"profile": name, "subject": credentials.Subject(token)}
	if exp, ok := credentials.ExpiresAt(token); ok {
		out["expires_at"] = exp.Format(time.RFC3339)
		out["expired"] = !time.Now().Before(exp)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Profile: %s\n", name)
	fmt.Printf("Subject: %v\n", out["subject"])
	if exp, ok := out["expires_at"]; ok {
		fmt.Printf("Expires: %v (expired: %v)\n", exp, out["expired"])
	}
}

func cmdStatus(ctx context.Context, name string, jsonOut bool) {
	c, err := daemon.Dial(profile.SocketPath(name))
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", name, err)
	}
	defer func() { _ = c.Close() }()

	self, err := c.Check(ctx, "")
	if err != nil {
		fatalf("daemon for profile %q is not running: %v", name, err)
	}
	realtime, err := c.Check(ctx, daemon.RealtimeService)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputProto(self)
		outputProto(realtime)
		return
	}
	fmt.Printf("Profile:  %s\n", name)
	fmt.Printf("Daemon:   %s\n", self.Status)
	fmt.Printf("Realtime: %s\n", realtime.Status)
}

func cmdConversations(ctx context.Context, name string, jsonOut bool) {
	db := openStore(name)
	defer func() { _ = db.Close() }()
	convs, err := db.ListConversations(ctx, 100, 0)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations cached.")
		return
	}
	for _, c := range convs {
		title := c.Name
		if title == "" {
			names := make([]string, 0, len(c.Participants))
			for _, u := range c.Participants {
				names = append(names, u.Name)
			}
			title = strings.Join(names, ", ")
		}
		preview := ""
		if c.LastMessage != nil {
			preview = c.LastMessage.Content
		}
		fmt.Printf("%-36s %-30s %3d  %s\n", c.ID, title, c.UnreadCount, preview)
	}
}

func outputProto(m proto.Message) {
	b, err := protojson.MarshalOptions{Multiline: true}.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
