package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/mockbackend"
	"github.com/cydjerr/speakjerr/internal/protocol"
)

func main() {
	addr := pflag.String("addr", "127.0.0.1:5000", "listen address")
	secret := pflag.String("secret", "", "HS256 signing secret (random when empty)")
	tokenTTL := pflag.Duration("token-ttl", 24*time.Hour, "lifetime of the printed tokens")
	pflag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	b := mockbackend.New(mockbackend.Options{Secret: *secret, Logger: logger})
	seed(b)
	for _, id := range []string{"alice", "bob"} {
		token, err := b.IssueToken(id, *tokenTTL)
		if err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}
		fmt.Printf("%s: %s\n", id, token)
	}

	srv := &http.Server{Addr: *addr, Handler: b.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("mock backend listening", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	_ = srv.Close()
}

func seed(b *mockbackend.Backend) {
	alice := protocol.User{ID: "alice", Name: "Alice"}
	bob := protocol.User{ID: "bob", Name: "Bob"}
	b.AddUser(alice)
	b.AddUser(bob)
	b.AddConversation(protocol.Conversation{ID: "direct-alice-bob", Participants: []protocol.User{alice, bob}})
	b.AddConversation(protocol.Conversation{ID: "group-general", IsGroup: true, Name: "General", Participants: []protocol.User{alice, bob}})
	b.AddGroup(protocol.Group{ID: "group-general", Name: "General", Members: []protocol.User{alice, bob}, Admins: []string{"alice"}})
	_, _ = b.PostMessage("bob", "direct-alice-bob", protocol.MessageText, "welcome to speakjerr")
}
