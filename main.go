// Program procsheriff is the operator console for a fleet of deputies. It
// wires the MQTT telemetry bridge, the dispatch loop, the transcript archive
// and either the tview dashboard or a plain-text headless surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"procsheriff/archive"
	"procsheriff/config"
	"procsheriff/console"
	"procsheriff/fleet"
	"procsheriff/telemetry"
	"procsheriff/ui"

	"golang.org/x/term"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "SHERIFF_CONFIG_PATH"
	shutdownTimeout   = 3 * time.Second
)

// Version will be set at build time
var Version = "dev"

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from the flag, env, or default location.
// Key aspects: An explicit path must exist; otherwise a missing env/default
// location falls back to built-in defaults.
// Upstream: main startup.
// Downstream: config.Load, config.Default.
func loadSheriffConfig(explicit string) (*config.Config, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return config.Load(explicit)
	}
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg := config.Default()
	return &cfg, nil
}

// transcriptTee hands each log chunk to every transcript in turn.
type transcriptTee []console.Transcript

func (t transcriptTee) Record(subject string, at time.Time, text string) {
	for _, tr := range t {
		tr.Record(subject, at, text)
	}
}

// consoleRelay lets the telemetry bridge be built before the console it
// feeds. The target is set before Connect, so no callback sees it nil.
type consoleRelay struct {
	target *console.Console
}

func (r *consoleRelay) PostReport(rep fleet.DeputyReport)   { r.target.PostReport(rep) }
func (r *consoleRelay) OnText(id fleet.CommandID, t string) { r.target.OnText(id, t) }
func (r *consoleRelay) PostOrders(sheriff string)           { r.target.PostOrders(sheriff) }

// Observer follows the console, which may switch to observer mode at runtime
// when another sheriff shows up.
func (r *consoleRelay) Observer() bool { return r.target.Observer() }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Purpose: Program entrypoint; wires config, logging, transports and UI.
// Key aspects: Startup failures of optional parts (log file, archive,
// broker) are logged and the console keeps running without them.
// Upstream: OS process start.
// Downstream: console.Run, ui surfaces, telemetry.Client, archive.Writer.
func main() {
	configPath := flag.String("config", "", "config file or directory (default $"+envConfigPath+" or "+defaultConfigPath+")")
	verbose := flag.Bool("verbose", false, "headless mode: also print command output")
	flag.Parse()

	cfg, err := loadSheriffConfig(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stderr)
	log.SetFlags(0)
	log.SetOutput(fanout)
	if logErr != nil {
		log.Printf("Logging: file output disabled: %v", logErr)
	}
	if cfg.LoadedFrom != "" {
		log.Printf("Loaded configuration from %s", cfg.LoadedFrom)
	} else {
		log.Printf("No configuration found; using defaults")
	}

	var dash *ui.Dashboard
	switch cfg.UI.Mode {
	case "headless":
		log.Printf("UI disabled (mode=headless)")
	case "tview":
		if !isStdoutTTY() {
			log.Printf("UI disabled (tview requires an interactive console)")
		} else {
			dash = ui.NewDashboard(cfg.UI)
		}
	default:
		log.Printf("UI mode %q not recognized; defaulting to headless", cfg.UI.Mode)
	}

	var surface ui.Surface
	var headless *ui.Headless
	if dash != nil {
		surface = dash
	} else {
		headless = ui.NewHeadless(os.Stdout, *verbose)
		surface = headless
		cfg.Print()
	}

	var tee transcriptTee
	var arch *archive.Writer
	if cfg.Archive.Enabled {
		w, err := archive.NewWriter(cfg.Archive)
		if err != nil {
			log.Printf("Archive: disabled: %v", err)
		} else {
			w.Start()
			arch = w
			tee = append(tee, w)
			log.Printf("Archive: recording transcripts to %s", cfg.Archive.DBPath)
		}
	}
	if headless != nil {
		tee = append(tee, headless)
	}

	f := fleet.New(cfg.Sheriff.Name)
	f.SetObserver(cfg.Sheriff.Observer)

	relay := &consoleRelay{}
	var bridge *telemetry.Client
	opts := console.Options{
		ReconcileInterval: millis(cfg.Console.ReconcileIntervalMS),
		RateTick:          millis(cfg.Console.RateTickMS),
		RateLimitBytes:    cfg.Console.RateLimitBytes,
		RateBuckets:       cfg.Console.RateBuckets,
		LogMaxLines:       cfg.Console.LogMaxLines,
		EventQueue:        cfg.Console.EventQueue,
		Sink:              surface,
	}
	if len(tee) > 0 {
		opts.Transcript = tee
	}
	if cfg.Telemetry.Enabled {
		bridge = telemetry.NewClient(telemetry.Options{
			Broker:          cfg.Telemetry.Broker,
			Port:            cfg.Telemetry.Port,
			ClientID:        cfg.Telemetry.ClientID,
			TopicPrefix:     cfg.Telemetry.TopicPrefix,
			Sheriff:         cfg.Sheriff.Name,
			Observer:        relay.Observer,
			MaxPayloadBytes: cfg.Telemetry.MaxPayloadBytes,
		}, relay)
		opts.Publisher = bridge
	}
	con := console.New(f, opts)
	relay.target = con

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- con.Run(ctx)
	}()

	// From here on log lines land in the sheriff's global log; the console
	// stamps them itself.
	fanout.SetConsoleSink(con.SystemWriter(), false)
	if dash != nil {
		dash.Start(con)
		dash.WaitReady()
	}
	log.Printf("procsheriff v%s starting as %s", Version, cfg.Sheriff.Name)

	if bridge != nil {
		if err := bridge.Connect(); err != nil {
			log.Printf("Telemetry: %v", err)
		}
	} else {
		log.Printf("Telemetry disabled; no deputies will be seen")
	}

	go runStats(ctx, time.Duration(cfg.Console.StatsIntervalSeconds)*time.Second, statsSources{
		console:   con,
		telemetry: bridge,
		archive:   arch,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
	case <-surface.Done():
		log.Printf("Operator quit")
	case err := <-runDone:
		log.Printf("Console: loop exited: %v", err)
		runDone <- err
	}
	log.Println("Shutting down gracefully...")

	bridge.Stop()
	cancel()
	select {
	case <-runDone:
	case <-time.After(shutdownTimeout):
		fmt.Fprintln(os.Stderr, "Console: loop did not exit in time")
	}
	surface.Stop()
	fanout.SetConsoleSink(os.Stderr, true)
	if arch != nil {
		arch.Stop()
		log.Printf("Archive: %d entries written, %d dropped", arch.Written(), arch.Dropped())
	}
	_ = fanout.Close()
}
