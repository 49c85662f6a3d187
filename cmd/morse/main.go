package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/morse/internal/auth"
	"github.com/alexjbarnes/morse/internal/config"
	"github.com/alexjbarnes/morse/internal/crypto"
	"github.com/alexjbarnes/morse/internal/directory"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/alexjbarnes/morse/internal/logging"
	"github.com/alexjbarnes/morse/internal/mcpserver"
	"github.com/alexjbarnes/morse/internal/orchestrator"
	"github.com/alexjbarnes/morse/internal/server"
	"github.com/alexjbarnes/morse/internal/store"
	"github.com/alexjbarnes/morse/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// maxPushPayload bounds the push-decrypt stdin read.
const maxPushPayload = 64 << 10

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "gen-api-key":
			fmt.Println(auth.GenerateAPIKey())
			return
		case "push-decrypt":
			pushDecrypt()
			return
		case "export":
			if err := export(os.Args[2:], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, os.Stderr)
	logger.Info("morse starting",
		slog.String("version", Version),
		slog.String("handle", cfg.Handle),
		slog.Bool("ratchet", cfg.RatchetEnabled),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Path(cfg.DataDir))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	o := newOrchestrator(cfg, st, logger, true)

	session, err := openSession(ctx, o, st, cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Run(gctx)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, session, logger)
		})
	}

	return g.Wait()
}

// newOrchestrator wires the directory, transport and store together.
// Without connect, sessions have no relay connection.
func newOrchestrator(cfg *config.Config, st *store.Store, logger *slog.Logger, connect bool) *orchestrator.Orchestrator {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	dir := directory.NewClient(cfg.DirectoryURL, httpClient)

	deps := orchestrator.Deps{
		Store:      st,
		Registrar:  dir,
		Cards:      func(id *crypto.Identity) crypto.Directory { return dir.WithIdentity(id) },
		HTTPClient: httpClient,
	}

	if connect {
		deps.Connect = func(id *crypto.Identity) orchestrator.Conn {
			return transport.NewClient(transport.Config{
				URL:            cfg.XMPPURL(),
				Domain:         cfg.XMPPDomain,
				Handle:         id.Handle(),
				Resource:       cfg.XMPPResource,
				PushJID:        cfg.XMPPPushJID,
				PushToken:      cfg.PushToken,
				VoIPPushToken:  cfg.VoIPPushToken,
				ConnectTimeout: cfg.ConnectTimeout,
			}, directory.NewTokenSource(dir, id, directory.TokenTransport), logging.Component(logger, "transport"))
		}
	}

	return orchestrator.New(orchestrator.Config{
		RatchetEnabled:    cfg.RatchetEnabled,
		RotateEvery:       cfg.RatchetRotateEvery,
		PeerCacheTTL:      cfg.PeerCacheTTL,
		PushDecryptBudget: cfg.PushDecryptBudget,
		MediaDir:          cfg.MediaDir(),
		MediaUploadURL:    cfg.MediaUploadURL,
	}, deps, logger)
}

// openSession signs in to the configured account, signing it up on first
// start.
func openSession(ctx context.Context, o *orchestrator.Orchestrator, st *store.Store, cfg *config.Config, logger *slog.Logger) (*orchestrator.Session, error) {
	handle, err := crypto.NormalizeHandle(cfg.Handle)
	if err != nil {
		return nil, err
	}

	if _, err := st.Account(handle); errors.Is(err, apperrors.ErrNotFound) {
		logger.Info("account not found locally, signing up", slog.String("handle", handle))
		session, err := o.SignUp(ctx, handle, cfg.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("signing up: %w", err)
		}
		return session, nil
	} else if err != nil {
		return nil, err
	}

	session, err := o.SignIn(ctx, handle, cfg.KeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}
	return session, nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, session *orchestrator.Session, logger *slog.Logger) error {
	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	keys, err := auth.NewKeyStore(entries)
	if err != nil {
		return fmt.Errorf("loading MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "morse-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Keys:       keys,
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", keys.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// pushDecrypt reads a push payload on stdin and prints the notification
// text. It always prints something: any failure prints the fallback.
func pushDecrypt() {
	text, err := decryptPush(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "push-decrypt: %v\n", err)
		text = orchestrator.PushFallback
	}
	fmt.Println(text)
}

func decryptPush(r io.Reader) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}

	logger := logging.NewLogger(cfg.Environment, os.Stderr)

	payload, err := io.ReadAll(io.LimitReader(r, maxPushPayload))
	if err != nil {
		return "", fmt.Errorf("reading payload: %w", err)
	}

	st, err := store.Open(store.Path(cfg.DataDir))
	if err != nil {
		return "", err
	}
	defer st.Close()

	o := newOrchestrator(cfg, st, logger, false)
	return o.DecryptPush(context.Background(), cfg.KeyPassphrase, payload), nil
}
