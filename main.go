// Package main provides the entry point for VPN Profiles.
// VPN Profiles manages a list of VPN connection profiles on Linux and
// enforces that at most one of them is active at a time.
//
// Features:
//   - Profile management for OpenVPN and NetworkManager connections
//   - Secure credential storage using the system keyring
//   - Real-time connection status from openvpn output and D-Bus signals
//   - Terminal interface with desktop notifications
//   - Command-line interface for scripting and automation
//
// Usage:
//
//	vpn-profiles [options]
//
// Environment:
//
//	OpenVPN profiles need the openvpn binary. The other profile types need
//	NetworkManager on the system bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yllada/vpn-profiles/cli"
	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/config"
	"github.com/yllada/vpn-profiles/history"
	"github.com/yllada/vpn-profiles/keyring"
	"github.com/yllada/vpn-profiles/profile"
	"github.com/yllada/vpn-profiles/ui"
	"github.com/yllada/vpn-profiles/vpn"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	// General flags
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")
	configFile  = flag.String("config", "", "Configuration file (default: user config dir)")

	// CLI flags
	listProfiles   = flag.Bool("list", false, "List all VPN profiles")
	showStatus     = flag.Bool("status", false, "Show current connection status")
	connectProfile = flag.String("connect", "", "Connect to a VPN profile by name")
	disconnectVPN  = flag.String("disconnect", "", "Disconnect from VPN (use 'all' or profile name)")
	addProfile     = flag.String("add", "", "Add a VPN profile with this name")
	profileType    = flag.String("type", "openvpn", "Type of the profile to add")
	profileFile    = flag.String("file", "", "OpenVPN config file or NetworkManager connection UUID")
	username       = flag.String("username", "", "Username for an OpenVPN profile")
	routes         = flag.String("routes", "", "Comma separated split tunnel networks")
	renameProfile  = flag.String("rename", "", "Rename the profile with this name")
	renameTo       = flag.String("to", "", "New name for --rename")
	deleteProfile  = flag.String("delete", "", "Delete a VPN profile by name")
	showHistory    = flag.Bool("history", false, "Show recent connection state changes")
)

func main() {
	flag.Parse()

	// Handle help flag
	if *showHelp {
		cli.PrintHelp(os.Stdout)
		os.Exit(0)
	}

	// Handle version flag
	if *showVersion {
		fmt.Printf("%s v%s\n", common.AppName, appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		if cfg == nil {
			return err
		}
		// Defaults could not be written; run with them anyway.
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return err
	}

	// Initialize logger with structured logging and file output
	logLevel := common.ParseLevel(cfg.LogLevel)
	if *verbose {
		logLevel = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		LogDir:      filepath.Join(stateDir, common.LogsDirName),
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()
	log := common.GetLogger()

	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals (SIGINT, SIGTERM)
	setupSignalHandler(cancel)

	if !checkOpenVPNInstalled(cfg.OpenVPNCommand) {
		log.Warn("%s not found; openvpn profiles will fail to connect", cfg.OpenVPNCommand[0])
	}

	profilesDir, err := cfg.ResolveProfilesDir()
	if err != nil {
		return err
	}

	creds := keyring.New(filepath.Join(stateDir, common.CredentialsFileName), log)
	if !creds.UsesSystemKeyring() {
		log.Info("System keyring unavailable, using the encrypted credentials file")
	}

	nm, err := connectBackend(cfg.Backend, log)
	if err != nil {
		return err
	}
	if nm != nil {
		defer nm.Close()
	}

	manager := vpn.NewManager(vpn.ManagerConfig{
		Store:          profile.NewStore(profilesDir, log),
		StateDir:       stateDir,
		StatusWorkers:  cfg.StatusWorkers,
		OpenVPNCommand: cfg.OpenVPNCommand,
		Credentials:    creds,
		NetworkManager: nm,
		Log:            log,
	})

	// Observers subscribe before Open so they see the transitions made while
	// restoring the session and sweeping stale states.
	journal, err := openHistory(cfg, log)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
		recorder := history.NewRecorder(journal, clockwork.NewRealClock(), log)
		// Deferred after journal.Close, so it runs first.
		defer recorder.Close()
		manager.Subscribe(recorder)
	}
	cliMode := isCLIMode()
	if !cliMode {
		manager.Subscribe(ui.NewNotifier(cfg.ShowNotifications, log))
	}

	if err := manager.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Warn("Failed to save profiles on exit: %v", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, log)
		defer stop()
	}

	if cliMode {
		var source cli.HistorySource
		if journal != nil {
			source = journal
		}
		return runCLI(ctx, cli.New(cli.Options{
			Manager:      manager,
			Credentials:  creds,
			History:      source,
			HistoryLimit: cfg.HistoryLimit,
			Out:          os.Stdout,
		}))
	}

	// Start the terminal interface
	log.Info("Starting %s v%s", common.AppName, appVersion)
	return ui.NewApplication(manager, creds, log).Run(ctx)
}

func loadConfig() (*config.Config, error) {
	if *configFile != "" {
		return config.LoadFrom(*configFile)
	}
	return config.Load()
}

// connectBackend connects to NetworkManager as the backend setting asks.
// With "auto" an unavailable NetworkManager only disables its profile types.
func connectBackend(backend string, log common.Logger) (*vpn.NetworkManager, error) {
	switch backend {
	case common.BackendNone:
		return nil, nil
	case common.BackendNetworkManager:
		return vpn.ConnectNetworkManager(log)
	default:
		nm, err := vpn.ConnectNetworkManager(log)
		if err != nil {
			log.Warn("NetworkManager unavailable: %v", err)
			return nil, nil
		}
		return nm, nil
	}
}

func openHistory(cfg *config.Config, log common.Logger) (*history.Journal, error) {
	path, err := cfg.ResolveHistoryDB()
	if err != nil {
		return nil, err
	}
	journal, err := history.Open(path)
	if err != nil {
		// The journal is auxiliary; connections work without it.
		log.Warn("Connection history disabled: %v", err)
		return nil, nil
	}
	return journal, nil
}

// serveMetrics exposes prometheus metrics on addr and returns a function
// that shuts the server down.
func serveMetrics(addr string, log common.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func isCLIMode() bool {
	return *listProfiles || *showStatus || *connectProfile != "" || *disconnectVPN != "" ||
		*addProfile != "" || *renameProfile != "" || *deleteProfile != "" || *showHistory
}

// runCLI handles command-line interface operations.
// It accepts a context for graceful shutdown support.
func runCLI(ctx context.Context, cliApp *cli.CLI) error {
	// Check if context is already cancelled before proceeding
	select {
	case <-ctx.Done():
		common.LogInfo("Operation cancelled before execution")
		return nil
	default:
	}

	switch {
	case *listProfiles:
		return cliApp.ListProfiles()
	case *showStatus:
		return cliApp.Status()
	case *connectProfile != "":
		return cliApp.Connect(ctx, *connectProfile)
	case *disconnectVPN != "":
		if *disconnectVPN == "all" {
			return cliApp.Disconnect(ctx, "")
		}
		return cliApp.Disconnect(ctx, *disconnectVPN)
	case *addProfile != "":
		return cliApp.Add(cli.AddRequest{
			Name:     *addProfile,
			Type:     *profileType,
			Config:   *profileFile,
			Username: *username,
			Routes:   splitRoutes(*routes),
		})
	case *renameProfile != "":
		if *renameTo == "" {
			return errors.New("--rename requires --to")
		}
		return cliApp.Rename(*renameProfile, *renameTo)
	case *deleteProfile != "":
		return cliApp.Delete(*deleteProfile)
	case *showHistory:
		return cliApp.History(ctx)
	}
	return nil
}

func splitRoutes(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}

// checkOpenVPNInstalled reports whether the first element of the
// configured openvpn command is in the system PATH.
func checkOpenVPNInstalled(command []string) bool {
	if len(command) == 0 {
		return false
	}
	_, err := exec.LookPath(command[0])
	return err == nil
}
