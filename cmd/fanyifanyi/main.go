package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanyifanyi/fanyifanyi/internal/auth"
	"github.com/fanyifanyi/fanyifanyi/internal/config"
	"github.com/fanyifanyi/fanyifanyi/internal/database"
	"github.com/fanyifanyi/fanyifanyi/internal/handlers"
	"github.com/fanyifanyi/fanyifanyi/internal/host"
	"github.com/fanyifanyi/fanyifanyi/internal/logger"
	"github.com/fanyifanyi/fanyifanyi/internal/scheduler"
	"github.com/fanyifanyi/fanyifanyi/internal/server"
	"github.com/fanyifanyi/fanyifanyi/internal/settings"
	"github.com/fanyifanyi/fanyifanyi/internal/updater"
	ws "github.com/fanyifanyi/fanyifanyi/internal/websocket"
)

var version = "dev"

const (
	tokenSecretKey   = "auth_token_secret"
	historyRetention = 90 * 24 * time.Hour
)

var rootCmd = &cobra.Command{
	Use:           "fanyifanyi",
	Short:         "Update service for the fanyifanyi desktop app",
	Long:          "Runs the local update service the desktop shell talks to, or performs one-off update tasks from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the update service (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the release feed once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.Context())
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Download and install the latest release",
	Long:  "Checks the release feed and installs a newer release in place. The running process is not restarted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdate(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted update settings and recent history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runStatus(limit)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fanyifanyi %s (%s)\n", version, host.PlatformKey())
	},
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 10, "Number of history entries to show")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	handlers.AppVersion = version
	if err := rootCmd.Execute(); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

// app holds the pieces every command needs.
type app struct {
	cfg      *config.Config
	db       *database.DB
	settings *settings.Store
	host     *host.Host
}

func openApp() (*app, error) {
	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if cfg.FileErr != nil {
		logger.Warn("Ignoring config file %s: %v", cfg.File, cfg.FileErr)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := database.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	h, err := host.New(host.Config{
		ManifestURL:    cfg.Updater.ManifestURL,
		PublicKey:      cfg.Updater.PublicKey,
		CurrentVersion: version,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		db:       db,
		settings: settings.New(db, h.CurrentVersion),
		host:     h,
	}, nil
}

func (rt *app) updatesEnabled() bool {
	return !rt.cfg.DevMode && version != "dev" && rt.cfg.Updater.ManifestURL != ""
}

func (rt *app) controller(sched updater.Scheduler, sink updater.EventSink, relaunch bool) *updater.Controller {
	return updater.New(rt.host, rt.settings, sched, sink, updater.Options{
		UpdatesEnabled:  rt.updatesEnabled(),
		StartupDelay:    rt.cfg.Updater.StartupDelay,
		CheckInterval:   rt.cfg.Updater.CheckInterval,
		ErrorCooldown:   rt.cfg.Updater.ErrorCooldown,
		RelaunchOnReady: relaunch,
	})
}

// tokenSecret resolves the API token secret: config first, then the value
// persisted in the database, otherwise a new one is generated and stored.
func (rt *app) tokenSecret() string {
	if rt.cfg.TokenSecret != "" {
		return rt.cfg.TokenSecret
	}
	if s, ok, err := rt.db.Get(tokenSecretKey); err == nil && ok && s != "" {
		return s
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		logger.Fatal("Failed to generate token secret: %v", err)
	}
	secret := hex.EncodeToString(b)
	if err := rt.db.SetMany(map[string]string{tokenSecretKey: secret}); err != nil {
		logger.Warn("Token secret not persisted, clients must re-authenticate after restart: %v", err)
	}
	return secret
}

func runServe() error {
	logger.Banner(version)

	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.db.Close()
	cfg := rt.cfg

	authService := auth.NewService(rt.tokenSecret())

	sched := scheduler.New()
	sched.Start()
	defer sched.Stop()

	sched.Every(24*time.Hour, func() {
		if n, err := rt.db.PruneAttempts(historyRetention); err != nil {
			logger.Warn("History cleanup failed: %v", err)
		} else if n > 0 {
			logger.Debug("Pruned %d old history entries", n)
		}
	})

	// The hub exists only after the server is built; events before that are dropped.
	var wsHub *ws.Hub
	hubSink := updater.EventSinkFunc(func(ev updater.Event) {
		if wsHub != nil {
			wsHub.Publish(ev)
		}
	})

	ctrl := rt.controller(sched, fanout{hubSink, newHistorySink(rt.db)}, true)
	// Cancelled downloads still clear their markers, so wait for them
	// before the database closes.
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ctrl.Shutdown(ctx); err != nil {
			logger.Warn("Update work still running at shutdown: %v", err)
		}
	}()

	srv := server.New(server.Config{
		Auth:       authService,
		Controller: ctrl,
		Settings:   rt.settings,
		Attempts:   rt.db,
		System: handlers.NewSystemHandler(
			rt.db.Path, rt.host.Platform(), rt.updatesEnabled(), cfg.Updater.ManifestURL, cfg.Port,
		),
		Port: cfg.Port,
	})
	wsHub = srv.WSHub
	wsHub.Greeting = func() *ws.Message {
		raw, err := json.Marshal(ctrl.Snapshot())
		if err != nil {
			return nil
		}
		return &ws.Message{Type: updater.EventStatus, Payload: raw}
	}
	go wsHub.Run()
	defer wsHub.Stop()

	addr := cfg.Addr()
	if cfg.BindAddress != "127.0.0.1" && cfg.BindAddress != "localhost" {
		logger.Warn("Binding to %s, reachable from the network. Use FANYI_BIND=127.0.0.1 for localhost only.", cfg.BindAddress)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
		IdleTimeout:  60 * time.Second,
	}

	rt.host.BeforeRelaunch = func(ctx context.Context) error {
		logger.Shutdown("Releasing %s for the new version...", addr)
		wsHub.Stop()
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}

	token, err := authService.GenerateTokenWithTTL("shell", 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("issue shell token: %w", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Listen(addr, fmt.Sprintf("http://localhost:%d/api/v1", cfg.Port))
		// The shell reads the token from the first line on stdout.
		fmt.Printf("FANYI_TOKEN=%s\n", token)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	ctrl.Start()

	select {
	case <-done:
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}
	logger.Shutdown("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Bye()
	return nil
}

func runCheck(ctx context.Context) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.db.Close()

	ctrl := rt.controller(scheduler.New(), newHistorySink(rt.db), false)
	defer ctrl.Close()

	ctx, stop := commandContext(ctx)
	defer stop()

	logger.Info("Checking for updates...")
	if err := ctrl.CheckForUpdates(ctx, true); err != nil {
		return err
	}

	snap := ctrl.Snapshot()
	switch {
	case snap.Info != nil:
		fmt.Printf("Update available: v%s -> v%s\n", version, snap.Info.Version)
		if snap.Info.Notes != "" {
			fmt.Println()
			fmt.Println(snap.Info.Notes)
		}
	case snap.Dismissed:
		fmt.Println("An update is available but was dismissed. Run `fanyifanyi update` to install it anyway.")
	default:
		fmt.Printf("Already up to date (v%s).\n", version)
	}
	return nil
}

func runUpdate(ctx context.Context) error {
	exe, _ := os.Executable()
	switch host.DetectInstallMethod(exe) {
	case host.InstallNPM:
		logger.Info("fanyifanyi was installed via npm. Update with:")
		fmt.Println("  npm update -g fanyifanyi")
		return nil
	case host.InstallBrew:
		logger.Info("fanyifanyi was installed via Homebrew. Update with:")
		fmt.Println("  brew upgrade fanyifanyi")
		return nil
	}

	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.db.Close()

	var lastPct uint64 = 101
	progress := updater.EventSinkFunc(func(ev updater.Event) {
		if ev.Type != updater.EventProgress || ev.Snapshot == nil || ev.Snapshot.Progress.Total == 0 {
			return
		}
		p := ev.Snapshot.Progress
		pct := p.Downloaded * 100 / p.Total
		if pct/10 != lastPct/10 {
			lastPct = pct
			logger.Info("Downloaded %d%% (%d of %d bytes)", pct, p.Downloaded, p.Total)
		}
	})

	ctrl := rt.controller(scheduler.New(), fanout{progress, newHistorySink(rt.db)}, false)
	defer ctrl.Close()

	ctx, stop := commandContext(ctx)
	defer stop()

	if err := ctrl.CheckForUpdates(ctx, true); err != nil {
		return err
	}
	snap := ctrl.Snapshot()
	if snap.Info == nil && snap.Dismissed {
		// An explicit update overrides an earlier dismissal.
		ctrl.ResetDismissed()
		if err := ctrl.CheckForUpdates(ctx, true); err != nil {
			return err
		}
		snap = ctrl.Snapshot()
	}
	if snap.Info == nil {
		logger.Success("Already up to date (v%s).", version)
		return nil
	}

	logger.Info("Update available: v%s -> v%s", version, snap.Info.Version)
	if err := ctrl.DownloadAndInstall(ctx); err != nil {
		return err
	}
	if ctrl.Snapshot().Status != updater.StatusReady {
		return errors.New("update did not complete")
	}

	logger.Success("Updated to v%s. Restart fanyifanyi to use the new version.", snap.Info.Version)
	return nil
}

func runStatus(limit int) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.db.Close()

	p := rt.settings.Load()
	fmt.Printf("Version:           %s (%s)\n", version, rt.host.Platform())
	fmt.Printf("Updates enabled:   %t\n", rt.updatesEnabled())
	fmt.Printf("Automatic checks:  %t\n", p.AutoCheck)
	if p.LastCheckedAt != nil {
		fmt.Printf("Last checked:      %s\n", p.LastCheckedAt.Local().Format(time.RFC1123))
	} else {
		fmt.Println("Last checked:      never")
	}
	if p.DismissedVersion != "" {
		fmt.Printf("Dismissed version: %s\n", p.DismissedVersion)
	}
	if p.UpdateInProgressVersion != "" {
		state := "not applied, markers clear on next start"
		if p.UpdateInProgressVersion == version {
			state = "applied, awaiting acknowledgement"
		}
		fmt.Printf("Pending update:    %s from %s (%s)\n", p.UpdateInProgressVersion, p.PreviousVersionBeforeUpdate, state)
	}

	attempts, err := rt.db.RecentAttempts(limit)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		return nil
	}
	fmt.Println()
	fmt.Println("Recent activity:")
	for _, a := range attempts {
		line := fmt.Sprintf("  %s  %-8s %-9s %s", a.CreatedAt.Local().Format("2006-01-02 15:04"), a.Event, a.Status, a.Version)
		if a.ErrorKind != "" {
			line += fmt.Sprintf("  [%s] %s", a.ErrorKind, a.Details)
		}
		fmt.Println(line)
	}
	return nil
}

// commandContext cancels on Ctrl-C so a stuck download can be aborted.
func commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
