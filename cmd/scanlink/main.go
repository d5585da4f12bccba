// Scanlink - scanner session gateway
//
// Drives a scanner backend through its session lifecycle and exposes it
// over a REST API, a terminal UI and message broker sinks.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"scanlink/config"
	"scanlink/engine"
	"scanlink/logging"
	"scanlink/scanman"
	"scanlink/ssh"
	"scanlink/tui"
	"scanlink/web"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all".
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	noTUI       = flag.Bool("d", false, "Disable local TUI (headless mode)")
	noTUILong   = flag.Bool("no-tui", false, "Disable local TUI (headless mode)")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	backendKind = flag.String("backend", "", "Backend kind: test or net (overrides config)")
	backendAddr = flag.String("saned", "", "saned host[:port] for the net backend (overrides config)")
	deviceName  = flag.String("device", "", "Device to open at startup (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")
	scanOut     = flag.String("scan", "", "Scan one page to this PNG file and exit")
	sshPortFlag = flag.Int("ssh-port", 0, "SSH console port (overrides config)")
	sshPass     = flag.String("ssh-pass", "", "SSH password for remote console access (enables SSH)")
	sshKeys     = flag.String("ssh-keys", "", "Path to authorized_keys file or directory (enables SSH)")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("scanlink %s\n", Version)
		os.Exit(0)
	}

	headless := *noTUI || *noTUILong

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// Overrides below are in memory only.
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.API.Enabled = false
	}
	if *backendKind != "" {
		cfg.Backend.Kind = *backendKind
	}
	if *backendAddr != "" {
		cfg.Backend.Address = *backendAddr
		if *backendKind == "" {
			cfg.Backend.Kind = config.BackendNet
		}
	}
	if *deviceName != "" {
		cfg.Scan.Device = *deviceName
	}
	if *sshPortFlag != 0 {
		cfg.SSH.Port = *sshPortFlag
	}
	if *sshPass != "" {
		cfg.SSH.Password = *sshPass
		cfg.SSH.Enabled = true
	}
	if *sshKeys != "" {
		cfg.SSH.AuthorizedKeys = *sshKeys
		cfg.SSH.Enabled = true
	}

	if *adminUser != "" && *adminPass != "" {
		hash, err := web.HashPassword(*adminPass)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			os.Exit(1)
		}

		if existing := cfg.FindWebUser(*adminUser); existing != nil {
			existing.PasswordHash = hash
			existing.Role = config.RoleAdmin
		} else {
			cfg.AddWebUser(config.WebUser{
				Username:     *adminUser,
				PasswordHash: hash,
				Role:         config.RoleAdmin,
			})
		}

		if cfg.Web.SessionSecret == "" {
			secret := make([]byte, 32)
			rand.Read(secret)
			cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		}

		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user '%s' configured for the REST API\n", *adminUser)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *scanOut != "" {
		os.Exit(scanOnce(cfg, *scanOut))
	}

	run(cfg, headless)
}

// scanOnce opens the configured device, scans a single page and writes it
// as PNG. Sinks and the web server are not started.
func scanOnce(cfg *config.Config, out string) int {
	cfg.MQTT, cfg.Valkey, cfg.Kafka, cfg.AMQP = nil, nil, nil, nil
	cfg.History.Enabled = false

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc: func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	})
	if err := eng.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer eng.Stop()

	if !eng.GetScanMgr().Status().Session.Open {
		fmt.Fprintln(os.Stderr, "Error: no device open (set scan.device or use -device)")
		return 1
	}

	info, err := eng.Scan(scanman.ScanRequest{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		return 1
	}
	job, err := eng.Job(info.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-job.Done():
	case <-sigChan:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		eng.CancelScan(ctx)
		cancel()
		<-job.Done()
	}

	final := job.Info()
	if final.Error != "" {
		fmt.Fprintf(os.Stderr, "Scan %s: %s (%s)\n", final.State, final.StatusName, final.Error)
		return 1
	}
	data := job.PNG()
	if data == nil {
		fmt.Fprintln(os.Stderr, "Error: scan produced no image")
		return 1
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", out, err)
		return 1
	}
	fmt.Printf("Wrote %dx%d image to %s\n", final.Width, final.Height, out)
	return 0
}

// run is the unified startup flow for both TUI and headless modes.
func run(cfg *config.Config, headless bool) {
	tui.InitDebugStore(1000)

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewRotatingFileLogger(*logFile, 10<<20)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			tui.GetDebugStore().SetFileLogger(fileLogger)
		}
	}

	var debugLoggerFile *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLoggerFile, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLoggerFile.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLoggerFile)
			if filter == "" {
				tui.StoreLog("Debug logging enabled (all protocols) - writing to debug.log")
			} else {
				tui.StoreLog("Debug logging enabled (filter: %s) - writing to debug.log", filter)
			}
		}
	}

	logFn := func(format string, args ...interface{}) {
		tui.StoreLog(format, args...)
	}
	if headless {
		logFn = func(format string, args ...interface{}) {
			tui.StoreLog(format, args...)
			fmt.Printf(format+"\n", args...)
		}
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc:    logFn,
	})
	if err := eng.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var webServer *web.Server
	if cfg.Web.Enabled {
		ws := web.NewServer(eng)
		if err := ws.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start web server on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
		} else {
			webServer = ws
			fmt.Printf("Web server at %s\n", ws.Address())
			if cfg.Web.API.Enabled {
				fmt.Printf("  REST API: %s/api/\n", ws.Address())
			}
		}
	}

	var sshServer *ssh.Server
	if cfg.SSH.Enabled {
		sshServer = startSSH(cfg, eng)
	}

	if headless {
		if sshServer == nil {
			fmt.Fprintf(os.Stderr, "Warning: Running headless with no SSH console. Use --ssh-pass for remote access.\n")
		}
		fmt.Println("Running in headless mode. Press Ctrl+C to stop.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
	} else {
		// Keep runtime errors from corrupting the terminal display.
		stderrPath := filepath.Join(filepath.Dir(*configPath), "scanlink-crash.log")
		if f, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			redirectStderr(f)
			defer f.Close()
		}

		app := tui.NewApp(eng)
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	shutdownDone := make(chan struct{})
	go func() {
		if sshServer != nil {
			sshServer.Stop()
		}
		if webServer != nil {
			webServer.Stop()
		}
		eng.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
	}

	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLoggerFile != nil {
		debugLoggerFile.Close()
	}
	if headless {
		fmt.Println("Stopped")
	}
}

// startSSH starts the remote console. Failure is reported and the process
// continues without it.
func startSSH(cfg *config.Config, eng *engine.Engine) *ssh.Server {
	hostKey := cfg.SSH.HostKey
	if hostKey == "" {
		hostKey = filepath.Join(filepath.Dir(*configPath), "host_key")
	}
	srv := ssh.NewServer(&ssh.Config{
		Host:           cfg.SSH.Host,
		Port:           cfg.SSH.GetPort(),
		Password:       cfg.SSH.Password,
		AuthorizedKeys: cfg.SSH.AuthorizedKeys,
		HostKeyPath:    hostKey,
		Users:          cfg.AdminPasswordHash,
	}, eng)
	srv.SetOnSessionConnect(func(remoteAddr string) {
		tui.StoreLog("SSH client connected from %s (total sessions: %d)", remoteAddr, srv.SessionCount())
	})
	srv.SetOnSessionDisconnect(func(remoteAddr string) {
		tui.StoreLog("SSH client disconnected from %s (total sessions: %d)", remoteAddr, srv.SessionCount())
	})
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to start SSH server: %v\n", err)
		return nil
	}
	fmt.Printf("SSH console on %s\n", srv.Address())
	return srv
}
