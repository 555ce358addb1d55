package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/vaultchat/internal/analysis"
	"github.com/kalambet/vaultchat/internal/api"
	"github.com/kalambet/vaultchat/internal/chat"
	"github.com/kalambet/vaultchat/internal/config"
	"github.com/kalambet/vaultchat/internal/engine"
	"github.com/kalambet/vaultchat/internal/generation"
	"github.com/kalambet/vaultchat/internal/ingest"
	"github.com/kalambet/vaultchat/internal/memcache"
	"github.com/kalambet/vaultchat/internal/payment"
	"github.com/kalambet/vaultchat/internal/profile"
	"github.com/kalambet/vaultchat/internal/retrieval"
	"github.com/kalambet/vaultchat/internal/reward"
	"github.com/kalambet/vaultchat/internal/session"
	"github.com/kalambet/vaultchat/internal/storage"
	"github.com/kalambet/vaultchat/internal/vault"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vaultchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vaultchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vaultchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vaultchat.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "vaultchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("vaultchat is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("vaultchat is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.FastModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	// Vault: plaintext only ever lives in the cache, which is wiped when the
	// wallet disconnects.
	cache := memcache.New()
	holder := vault.NewKeyHolder()
	holder.OnRevoke(cache.Clear)
	decryptor := vault.NewDecryptor(store, vault.NewWalletAuthorizer(holder, nil), cfg.Vault.AuthorizationsPerMinute)

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	index := retrieval.NewIndex(store.DB())
	searcher := retrieval.NewSearcher(embedder, index)

	profileMgr := profile.NewManager(store)
	sessions := session.NewManager(cfg.Session.BaseURL, holder.Wallet)
	generator := generation.NewClient(cfg.Generation.BaseURL, cfg.Generation.APIKey, cfg.Generation.Model, sessions, profileMgr)
	ledger := reward.NewLedger(store, holder.Wallet, reward.Amounts{
		Inference: cfg.Rewards.InferenceAmount,
		FirstChat: cfg.Rewards.FirstChatAmount,
	})
	payments := payment.NewChannel()

	runner := analysis.NewRunner(ctx)
	defer runner.Close()
	analyzer := analysis.NewAnalyzer(
		analysis.NewScorer(eng, cfg.Ollama.FastModel, profileMgr),
		analysis.NewReinforcer(eng, cfg.Ollama.FastModel, profileMgr),
		ledger,
		runner,
	)

	orchestrator := chat.New(chat.Deps{
		Session:  sessions,
		Rewards:  ledger,
		Memories: store,
		History:  store,
		Search:   searcher,
		Cache:    cache,
		Decrypt:  decryptor,
		Generate: generator,
		Payments: payments,
		Analyzer: analyzer,
		User:     holder.Wallet,
	}, chat.Options{
		TopK:              cfg.Retrieval.TopK,
		Threshold:         float32(cfg.Retrieval.Threshold),
		HistoryWindow:     cfg.Chat.HistoryWindow,
		Persona:           cfg.Chat.PersonaEnabled,
		GenerationTimeout: cfg.Chat.Timeout(),
	})

	extractor := ingest.NewExtractor(&http.Client{Timeout: 15 * time.Second})
	writer := ingest.NewWriter(store, holder)

	worker := ingest.NewWorker(store, holder, embedder, index, 500*time.Millisecond)
	go worker.Run(ctx)

	handler := api.NewRouter(api.ChatDeps{
		Chat:     orchestrator,
		Turns:    store,
		Payments: payments,
		Wallet:   holder,
		Token:    apiToken,
	}, api.AppDeps{
		Store:     store,
		Profile:   profileMgr,
		Extractor: extractor,
		Writer:    writer,
		Rewards:   ledger,
		Cache:     cache,
		User:      holder.Wallet,
		Token:     apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Chat:      orchestrator,
		Turns:     store,
		Extractor: extractor,
		Writer:    writer,
		Search:    searcher,
		Cache:     cache,
		Payments:  payments,
		Profile:   profileMgr,
		User:      holder.Wallet,
		Threshold: float32(cfg.Retrieval.Threshold),
	})
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	mcpHTTP := &http.Server{
		Addr:    mcpAddr,
		Handler: api.BearerAuth(apiToken)(server.NewStreamableHTTPServer(mcpSrv)),
	}
	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 2)
	go func() {
		fmt.Fprintf(os.Stderr, "vaultchat listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("MCP server listening", "addr", mcpAddr)
		if err := mcpHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("mcp: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
	holder.Disconnect()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("vaultchat is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop vaultchat (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to vaultchat (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	probe := &http.Client{Timeout: 2 * time.Second}

	running := false
	if resp, err := probe.Get(serverURL + "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d (MCP %d)", cfg.Server.Port, cfg.Server.MCPPort)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if eng.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		for _, m := range []string{cfg.Ollama.FastModel, cfg.Ollama.EmbedModel} {
			state := "missing"
			if eng.HasModel(ctx, m) {
				state = "ready"
			}
			printStatus("Model "+m, "%s", state)
		}
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Generation", "%s via %s", cfg.Generation.Model, cfg.Generation.BaseURL)

	if running {
		client, err := newAPIClient()
		if err == nil {
			reportLiveStatus(ctx, client)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// reportLiveStatus prints wallet, memory and reward figures from a running server.
func reportLiveStatus(ctx context.Context, client *apiClient) {
	var wallet struct {
		Connected     bool   `json:"connected"`
		WalletAddress string `json:"wallet_address"`
	}
	if resp, err := client.get(ctx, "/v1/wallet"); err == nil && decodeJSON(resp, &wallet) == nil {
		if !wallet.Connected {
			printStatus("Wallet", "not connected (memories locked)")
			return
		}
		printStatus("Wallet", "%s", wallet.WalletAddress)
	}

	var recs []struct {
		ID string `json:"id"`
	}
	if resp, err := client.get(ctx, "/memories?limit=100"); err == nil && decodeJSON(resp, &recs) == nil {
		printStatus("Memories", "%s", countLabel(len(recs), 100))
	}

	var bal struct {
		Balance int `json:"balance"`
	}
	if resp, err := client.get(ctx, "/rewards/balance"); err == nil && decodeJSON(resp, &bal) == nil {
		printStatus("Rewards", "%d", bal.Balance)
	}

	var pending any
	if resp, err := client.get(ctx, "/v1/payments/challenge?peek=true"); err == nil {
		if decodeJSON(resp, &pending) == nil {
			printStatus("Payment", "challenge pending")
		}
	}
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
