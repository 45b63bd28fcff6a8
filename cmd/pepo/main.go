package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/synthlabs/pepo/internal/auth"
	"github.com/synthlabs/pepo/internal/config"
	"github.com/synthlabs/pepo/internal/debug"
	apperrors "github.com/synthlabs/pepo/internal/errors"
	"github.com/synthlabs/pepo/internal/eventsub"
	"github.com/synthlabs/pepo/internal/helix"
	"github.com/synthlabs/pepo/internal/platform/logging"
	"github.com/synthlabs/pepo/internal/store"
)

const joinRetryDelay = 5 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupTokenStore(cfg *config.Config) *store.FileStore {
	var cryptoSvc store.Service = store.NoopService{}
	if cfg.TokenEncryptionKey != "" {
		svc, err := store.NewAESGCMService(cfg.TokenEncryptionKey)
		if err != nil {
			slog.Error("Failed to create crypto service", "error", err)
			os.Exit(1)
		}
		cryptoSvc = svc
	}
	return store.NewFileStore(cfg.TokenFile, cryptoSvc)
}

// bootstrapCredential installs the stored credential if the platform still
// accepts it, otherwise runs the device flow from scratch.
func bootstrapCredential(ctx context.Context, manager *auth.Manager, tokenStore *store.FileStore) error {
	tok, err := tokenStore.Load()
	switch {
	case err == nil:
		manager.SetToken(tok)
		if err := manager.Validate(ctx); err == nil {
			slog.Info("resuming with stored credential", "login", tok.Login)
			return nil
		}
		slog.Warn("stored credential rejected, starting device flow")
	case errors.Is(err, store.ErrNoToken):
		slog.Info("no stored credential, starting device flow")
	default:
		slog.Warn("failed to load stored credential, starting device flow", "error", err)
	}

	_, err = manager.Acquire(ctx)
	return err
}

// joinChannels waits for the session to come up, resolves the logins, and
// joins each channel. Joins are idempotent, so a partial failure is simply
// retried until the remaining subscription lands.
func joinChannels(ctx context.Context, session *eventsub.Session, client *helix.Client, manager *auth.Manager, logins []string) {
	for session.SessionID() == "" {
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}

	tok, ok := manager.Token()
	if !ok {
		return
	}

	if len(logins) == 0 {
		followed, err := client.GetFollowedChannels(ctx, tok.AccessToken, tok.UserID)
		if err != nil {
			slog.Error("failed to list followed channels", "error", err)
			return
		}
		for _, ch := range followed {
			joinWithRetry(ctx, session, ch.BroadcasterID, ch.BroadcasterLogin)
		}
		return
	}

	users, err := client.GetUsers(ctx, tok.AccessToken, logins)
	if err != nil {
		slog.Error("failed to resolve channel logins", "logins", logins, "error", err)
		return
	}
	for _, user := range users {
		joinWithRetry(ctx, session, user.ID, user.Login)
	}

	if infos, err := client.GetChannelInfo(ctx, tok.AccessToken, channelIDs(users)); err == nil {
		for _, info := range infos {
			slog.Info("channel", "login", info.BroadcasterLogin, "category", info.GameName, "title", info.Title)
		}
	}
}

func channelIDs(users []helix.User) []string {
	ids := make([]string, len(users))
	for i, user := range users {
		ids[i] = user.ID
	}
	return ids
}

func joinWithRetry(ctx context.Context, session *eventsub.Session, channelID, channelName string) {
	for attempt := 1; ; attempt++ {
		err := session.Join(ctx, channelID, channelName)
		if err == nil {
			slog.Info("joined channel", "channel", channelName)
			return
		}
		if attempt >= 3 {
			slog.Error("giving up on channel", "channel", channelName, "error", err)
			return
		}
		slog.Warn("join failed, retrying", "channel", channelName, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(joinRetryDelay):
		}
	}
}

// runFeed consumes the session until shutdown or a fatal credential failure.
// Returns the process exit code.
func runFeed(ctx context.Context, manager *auth.Manager, session *eventsub.Session, tokenStore *store.FileStore) int {
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return 0

		case err := <-manager.Fatal():
			slog.Error("credential no longer usable, re-authorization required", "error", err)
			if err := tokenStore.Clear(); err != nil {
				slog.Warn("failed to clear stored credential", "error", err)
			}
			return 1

		case err := <-session.Errors():
			structured := apperrors.AsStructuredError(err)
			slog.Warn("session error", "type", structured.Type, "context", structured.Context, "error", err)

		case n := <-session.Notifications():
			printNotification(n)
		}
	}
}

func printNotification(n eventsub.Notification) {
	switch n.Type {
	case eventsub.EventTypeChatMessage:
		event, err := n.ChatMessage()
		if err != nil {
			slog.Warn("undecodable chat message", "error", err)
			return
		}
		fmt.Printf("[%s] %s: %s\n", event.BroadcasterUserLogin, event.ChatterUserLogin, event.Message.Text)

	case eventsub.EventTypeChatNotification:
		event, err := n.ChatNotification()
		if err != nil {
			slog.Warn("undecodable chat notification", "error", err)
			return
		}
		fmt.Printf("[%s] * %s\n", event.BroadcasterUserLogin, event.SystemMessage)

	default:
		slog.Info("notification", "type", n.Type, "timestamp", n.Timestamp)
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokenStore := setupTokenStore(cfg)

	idClient := auth.NewIDClient(auth.ClientID)
	prompt := func(verificationURI, userCode string) {
		fmt.Printf("\nTo authorize, visit %s and enter code %s\n\n", verificationURI, userCode)
	}
	manager := auth.NewManager(idClient, clock, prompt)
	manager.Subscribe(tokenStore.Observer())

	if err := bootstrapCredential(ctx, manager, tokenStore); err != nil {
		slog.Error("Failed to authorize", "error", err)
		os.Exit(1)
	}

	tok, ok := manager.Token()
	if !ok {
		slog.Error("No credential after authorization")
		os.Exit(1)
	}
	if err := tokenStore.Save(tok); err != nil {
		slog.Warn("failed to persist credential", "error", err)
	}

	helixClient := helix.NewClient(auth.ClientID)
	session := eventsub.NewSession(helixClient, clock, tok)
	manager.Subscribe(session.SetToken)

	go manager.Manage(ctx)
	go session.Run(ctx)
	go joinChannels(ctx, session, helixClient, manager, os.Args[1:])

	var debugSrv *debug.Server
	if cfg.DebugAddr != "" {
		debugSrv = debug.NewServer(cfg.DebugAddr, session)
		go func() {
			if err := debugSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Debug server error", "error", err)
			}
		}()
	}

	code := runFeed(ctx, manager, session, tokenStore)

	stop()
	if debugSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Debug server shutdown error", "error", err)
		}
	}

	os.Exit(code)
}
