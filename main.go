package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

// application bundles the long-lived services so the connect path and the
// web handlers share one wiring.
type application struct {
	cfg      Config
	registry *contextRegistry
	bridge   *uiBridge
}

// addPrinter connects to a printer and wraps it in a new context. It is the
// single entry point for both startup reconnects and web UI adds.
func (a *application) addPrinter(details PrinterDetails) (string, error) {
	backend, err := newPrinterBackend(details, a.cfg)
	if err != nil {
		return "", err
	}

	var ctxID atomic.Value
	backend.OnLifecycle(BackendLifecycle{
		InitFailed: func(err error) {
			a.bridge.reportConnectFailed(details, err)
		},
		Disposed: func(reason string) {
			id, _ := ctxID.Load().(string)
			logger.Debug("backend disposed", "context_id", id, "printer", details.Name, "reason", reason)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.BackendTimeout)
	info, err := backend.Connect(ctx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", details.IP, err)
	}

	id, err := a.registry.createContext(backend, details, info)
	if err != nil {
		// Duplicate printer: the spare backend connection is not needed.
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = backend.Disconnect(dctx)
		dcancel()
		return id, err
	}
	ctxID.Store(id)
	return id, nil
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: data/config.toml)")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	stdoutFlag := flag.Bool("stdout", true, "mirror log output to stdout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s build %s\n", softwareName, buildTime)
		return
	}

	cfg := loadConfig(*configPath)
	if *debugFlag {
		cfg.LogDebug = true
	}
	if err := validateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	if cfg.LogDebug {
		debugLogging = true
		setLogLevel(logLevelDebug)
	}
	logsDir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		fatal("create logs directory", err, "path", logsDir)
	}
	configureFileLogging(
		filepath.Join(logsDir, "printdeck.log"),
		filepath.Join(logsDir, "debug.log"),
		*stdoutFlag,
	)
	logger.Info("starting", "software", softwareName, "build", buildTime)

	db, err := openStateDB(cfg.DataDir)
	if err != nil {
		fatal("open state database", err)
	}
	history, err := newHistoryStore(db)
	if err != nil {
		fatal("init history store", err)
	}
	history.prune(90 * 24 * time.Hour)

	ports := newCameraPortAllocator(cfg.CameraPortMin, cfg.CameraPortMax)
	polling := newPollingService(cfg.PollInterval, cfg.BackendTimeout)
	notifs := newNotifyCoordinator(cfg)
	notifs.addSink(desktopSink{})

	var discord *discordRelay
	if cfg.DiscordBotToken != "" && cfg.DiscordChannelID != "" {
		discord, err = newDiscordRelay(cfg.DiscordBotToken, cfg.DiscordChannelID)
		if err != nil {
			fatal("init discord relay", err)
		}
		notifs.addSink(discord)
	}

	registry := newContextRegistry(cfg, ports, polling, notifs)
	bridge := newUIBridge(registry.activeContextID)
	bridge.attach(registry, polling, notifs)
	polling.PollResult(notifs.handlePollResult)
	history.attach(registry, notifs)

	app := &application{cfg: cfg, registry: registry, bridge: bridge}

	auth := newWebAuth(cfg.WebUIAuth)
	if auth.enabled {
		logger.Info("web ui pairing code", "code", auth.pairingCode)
	}
	web := newWebServer(cfg, registry, bridge, history, auth, app.addPrinter)
	if err := web.start(); err != nil {
		fatal("start web ui", err)
	}

	// Reconnect saved printers with bounded parallelism so a rack of
	// unreachable devices doesn't serialize startup on timeouts.
	if len(cfg.Printers) > 0 {
		logger.Info("reconnecting saved printers", "count", len(cfg.Printers))
		swg := sizedwaitgroup.New(defaultStartupConnectPool)
		for _, p := range cfg.Printers {
			swg.Add()
			go func(details PrinterDetails) {
				defer swg.Done()
				if _, err := app.addPrinter(details); err != nil {
					logger.Warn("saved printer reconnect failed",
						"printer", details.Name, "ip", details.IP, "error", err)
				}
			}(p)
		}
		swg.Wait()
	}

	// Nothing is active until someone picks; the first context is a sane
	// default when at least one printer came up.
	if registry.activeContextID() == "" {
		if ids := registry.ids(); len(ids) > 0 {
			if err := registry.switchActive(ids[0]); err != nil {
				logger.Warn("initial context activation failed", "error", err)
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	web.stop()
	registry.removeAll()
	polling.stopAll()
	if discord != nil {
		discord.Stop()
	}
	history.Stop()
	if err := db.Close(); err != nil {
		logger.Warn("state database close failed", "error", err)
	}
	logger.Info("shutdown complete")
	logger.Stop()
}
