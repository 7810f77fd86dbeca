// Command brokerctl drives the chat session broker against a live redis:
// user registration and login, capability tokens, chat sessions and the
// assistant stream pair.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chatbone/broker/internal/auth"
	"github.com/chatbone/broker/internal/broker"
	"github.com/chatbone/broker/internal/config"
	"github.com/chatbone/broker/internal/keystore"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	store := keystore.NewClient(rdb)

	b := broker.New(store, logger, broker.Config{
		LockTTL:            cfg.LockTTL,
		LockAcquireTimeout: cfg.LockAcquireTimeout,
		StreamInitRetries:  cfg.StreamInitRetries,
		RepairStreamKeys:   cfg.RepairStreamKeys,
	})
	authSvc := auth.New(b, []byte(cfg.JWTSignKey), cfg.UserTokenTTL, logger)

	if len(os.Args) < 2 {
		usage()
		return errors.New("missing command")
	}
	args := os.Args[2:]

	switch os.Args[1] {
	case "register":
		return cmdRegister(ctx, authSvc, args)
	case "login":
		return cmdLogin(ctx, authSvc, args)
	case "token":
		return cmdToken(ctx, b, args)
	case "verify":
		return cmdVerify(ctx, b, args)
	case "new-session":
		return cmdNewSession(ctx, b, args)
	case "say":
		return cmdSay(ctx, b, args)
	case "tail":
		return cmdTail(ctx, b, args)
	case "delete":
		return cmdDelete(ctx, b, args)
	case "version":
		fmt.Printf("brokerctl %s (%s)\n", version, buildDate)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: brokerctl <command> [flags]

commands:
  register     create a user (-username, -password)
  login        login and print a JWT (-id, -password)
  token        mint or fetch the capability token (-token ..., -skip-if-exist)
  verify       resolve a capability token (-token, -wait)
  new-session  attach a fresh chat session (-token)
  say          append a user message to a session (-token, -session, -text)
  tail         follow the assistant stream of a session (-token, -session)
  delete       delete a user and all dependent keys (-token)
  version      print build info`)
}

func cmdRegister(ctx context.Context, svc *auth.Service, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	username := fs.String("username", "", "username (required)")
	password := fs.String("password", "", "password (required)")
	_ = fs.Parse(args)
	if *username == "" || *password == "" {
		return errors.New("register: -username and -password are required")
	}
	user, err := svc.Register(ctx, *username, *password)
	if err != nil {
		return err
	}
	fmt.Println(user.ID)
	return nil
}

func cmdLogin(ctx context.Context, svc *auth.Service, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	idStr := fs.String("id", "", "user id (required)")
	password := fs.String("password", "", "password (required)")
	_ = fs.Parse(args)
	id, err := uuid.FromString(*idStr)
	if err != nil {
		return fmt.Errorf("login: bad -id: %w", err)
	}
	_, jwtToken, err := svc.Login(ctx, id, *password)
	if err != nil {
		return err
	}
	fmt.Println(jwtToken)
	return nil
}

func cmdToken(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	idStr := fs.String("id", "", "user id (required)")
	skip := fs.Bool("skip-if-exist", false, "reuse the stored token instead of rotating")
	_ = fs.Parse(args)
	id, err := uuid.FromString(*idStr)
	if err != nil {
		return fmt.Errorf("token: bad -id: %w", err)
	}
	user, err := b.User(id).RefreshExcept(ctx, "chat_sessions")
	if err != nil {
		return err
	}
	token, err := user.GetEncryptedToken(ctx, *skip)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func cmdVerify(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	token := fs.String("token", "", "capability token (required)")
	wait := fs.Duration("wait", 0, "wait this long for a valid login stamp")
	_ = fs.Parse(args)

	var user *broker.UserData
	var err error
	if *wait > 0 {
		user, err = b.VerifyValidUser(ctx, *token, *wait, time.Second)
	} else {
		user, err = b.VerifyEncryptedToken(ctx, *token, false)
	}
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdNewSession(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("new-session", flag.ExitOnError)
	token := fs.String("token", "", "capability token (required)")
	_ = fs.Parse(args)
	user, err := b.VerifyEncryptedToken(ctx, *token, true)
	if err != nil {
		return err
	}
	sess := broker.NewChatSession()
	if err := user.PutChatSessions(ctx, sess); err != nil {
		return err
	}
	fmt.Println(sess.ID)
	return nil
}

func cmdSay(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	token := fs.String("token", "", "capability token (required)")
	sessStr := fs.String("session", "", "session id (required)")
	text := fs.String("text", "", "message text (required)")
	_ = fs.Parse(args)
	sessID, err := uuid.FromString(*sessStr)
	if err != nil {
		return fmt.Errorf("say: bad -session: %w", err)
	}
	user, err := b.VerifyEncryptedToken(ctx, *token, true)
	if err != nil {
		return err
	}
	sessions, err := user.GetChatSessions(ctx, sessID)
	if err != nil {
		return err
	}
	sess := sessions[sessID]
	if err := sess.AppendMessages(ctx, broker.Message{Role: broker.RoleUser, Content: *text}); err != nil {
		return err
	}

	streams, err := sess.GetStreams(ctx, broker.StreamOpts{WriteOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = streams.Close(ctx) }()
	id, err := streams.CS2AS.Write.Write(ctx, broker.CS2AS{
		Type:     broker.ResponseSupply,
		Response: &broker.TextURLs{TextFmt: *text},
	}, broker.WriteOpts{})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdTail(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	token := fs.String("token", "", "capability token (required)")
	sessStr := fs.String("session", "", "session id (required)")
	_ = fs.Parse(args)
	sessID, err := uuid.FromString(*sessStr)
	if err != nil {
		return fmt.Errorf("tail: bad -session: %w", err)
	}
	user, err := b.VerifyEncryptedToken(ctx, *token, true)
	if err != nil {
		return err
	}
	sessions, err := user.GetChatSessions(ctx, sessID)
	if err != nil {
		return err
	}

	streams, err := sessions[sessID].GetStreams(ctx, broker.StreamOpts{ReadOnly: true})
	if err != nil {
		return err
	}
	reader := streams.AS2CS.Read.Bind(broker.BindOpts{Checkpoint: "0", SaveCheckpoint: true, Count: 16})
	for {
		batch, err := reader.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, entry := range batch {
			out, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		}
	}
}

func cmdDelete(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	token := fs.String("token", "", "capability token (required)")
	_ = fs.Parse(args)
	user, err := b.VerifyEncryptedToken(ctx, *token, false)
	if err != nil {
		return err
	}
	n, err := user.Delete(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d keys\n", n)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
