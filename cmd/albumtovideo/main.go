// Command albumtovideo runs a single render-album job to completion from a
// JSON payload file and prints the job result as JSON on stdout, mirroring
// ArthurCRodrigues-transcode-worker/cmd/worker's minimal config-then-run
// shape (see DESIGN.md), adapted from "blocks forever syncing with an
// orchestrator" to "runs one job and exits".
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/albumtovideo/core/internal/config"
	"github.com/albumtovideo/core/internal/integrity"
	"github.com/albumtovideo/core/internal/ledger"
	"github.com/albumtovideo/core/internal/logging"
	"github.com/albumtovideo/core/internal/orchestrator"
	"github.com/albumtovideo/core/internal/planner"
	"github.com/albumtovideo/core/pkg/rpc"
)

// appVersion is overridden at build time via -ldflags "-X main.appVersion=...".
var appVersion = "dev"

// stderrSink streams render-status/render-progress events to stderr as
// JSON lines, since this entry point has no IPC channel to a UI shell.
type stderrSink struct{}

func (stderrSink) Alive() bool { return true }

func (stderrSink) Status(ev rpc.RenderStatusEvent) {
	emit("render-status", ev)
}

func (stderrSink) Progress(ev rpc.RenderProgressEvent) {
	emit("render-progress", ev)
}

func emit(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", kind, data)
}

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	payloadPath := flag.String("payload", "", "path to a render-album JSON payload")
	flag.Parse()

	if *payloadPath == "" {
		fmt.Fprintln(os.Stderr, "albumtovideo: -payload is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "albumtovideo: load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.AppLogDir, "session.log", cfg.MaxKeptLogFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "albumtovideo: open log: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	logger.Event("app.ready", map[string]any{"appVersion": appVersion})

	if summary, err := ledger.Recover(cfg.LedgerDir, cfg.MaxLedgers, logger); err != nil {
		logger.Event("job.recovery.failed", map[string]any{"err": err.Error()})
	} else if summary.InProgressDetected > 0 {
		logger.Event("job.recovery.summary", map[string]any{
			"scanned":    summary.ScannedLedgers,
			"inProgress": summary.InProgressDetected,
			"cleaned":    summary.CleanedLedgers,
			"invalid":    summary.InvalidLedgers,
		})
	}

	verifier := &integrity.Verifier{
		ResourcesRoot: cfg.ResourcesRoot,
		Contract:      integrity.Contract{},
		Logger:        logger,
	}

	registry, err := planner.LoadRegistryFromFile(cfg.PresetFilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "albumtovideo: load presets: %v\n", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(verifier, registry, orchestrator.Settings{
		ProbeTimeout:       cfg.ProbeTimeout,
		WallTimeout:        cfg.WallTimeout,
		WatchdogNoProgress: cfg.WatchdogNoProgress,
		CleanupKillTimeout: cfg.CleanupKillTimeout,
		LedgerDir:          cfg.LedgerDir,
		AppLogDir:          cfg.AppLogDir,
		AppVersion:         appVersion,
	}, logger, logger, stderrSink{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "albumtovideo: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(*payloadPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "albumtovideo: read payload: %v\n", err)
		os.Exit(1)
	}
	var payload rpc.RenderAlbumPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		fmt.Fprintf(os.Stderr, "albumtovideo: parse payload: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.CancelRender()
	}()

	start := time.Now()
	result := orch.RenderAlbum(ctx, payload)
	logger.Event("render.cli_done", map[string]any{"ok": result.OK, "elapsedMs": time.Since(start).Milliseconds()})

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if !result.OK {
		os.Exit(1)
	}
}
