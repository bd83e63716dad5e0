// Command dirsync-client watches a source directory and mirrors every
// change to a dirsync-server over HTTP: directory creates, deletes, moves
// and (after debouncing) file uploads.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/relaymirror/dirsync/internal/mirrormetrics"
	"github.com/relaymirror/dirsync/internal/reconcile"
	"github.com/relaymirror/dirsync/internal/remoteclient"
	"github.com/relaymirror/dirsync/internal/updatebuf"
	"github.com/relaymirror/dirsync/internal/watch"
)

// clientVersion is reported by --version; there is no release pipeline
// stamping this yet, so it is a plain constant.
const clientVersion = "dirsync-client 0.1.0"

// pollInterval is POLL_TIME: how often the engine drives the update buffer's
// Tick, flushing anything that has aged past --updatemax.
const pollInterval = time.Second

// CLI defines the command-line interface for dirsync-client.
type CLI struct {
	Directory string `arg:"" type:"path" help:"Source directory to watch and mirror."`

	Server         string        `default:"localhost:5000" help:"Address (host:port) of the dirsync-server."`
	UpdateMax      time.Duration `default:"60s" help:"Minimum interval between uploads of a repeatedly-modified file."`
	RequestTimeout time.Duration `default:"10s" help:"HTTP request timeout against the server."`

	MetricsAddr string `help:"Address to serve Prometheus metrics on (e.g. :9100). Empty disables metrics."`
	LogLevel    string `default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)."`

	Version kong.VersionFlag `short:"V" help:"Show version."`
}

func main() {
	var cli CLI

	kctx := kong.Parse(&cli,
		kong.Name("dirsync-client"),
		kong.Description("Watches a directory and mirrors changes to a dirsync-server."),
		kong.UsageOnError(),
		kong.Vars{"version": clientVersion},
	)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cli.LogLevel)}))

	if err := run(context.Background(), &cli, log); err != nil {
		log.Error("fatal error", "error", err)
		kctx.Exit(1)
	}
}

// serverURL turns the --server flag's bare "host:port" (its spec default,
// matching the original's "-s"/"--server" argument) into the scheme-qualified
// base URL remoteclient.Client needs, leaving an already-qualified value
// (e.g. in tests, "http://127.0.0.1:PORT") untouched.
func serverURL(s string) string {
	if strings.Contains(s, "://") {
		return s
	}
	return "http://" + s
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// engine owns the update buffer and is the single goroutine that acts on
// classified watcher events, ticks and immediate uploads, per the
// single-logical-execution-context requirement: everything that mutates or
// reads the buffer's upload decisions funnels through loop's select.
type engine struct {
	root      string
	client    *remoteclient.Client
	buf       *updatebuf.Buffer
	log       *slog.Logger
	metrics   *mirrormetrics.Metrics
	updateMax time.Duration
}

func run(ctx context.Context, cli *CLI, log *slog.Logger) error {
	root, err := filepath.Abs(cli.Directory)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat directory: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("not a directory: %s", root)
	}

	metrics := mirrormetrics.New()
	if cli.MetricsAddr != "" {
		go func() {
			log.Info("metrics server starting", "addr", cli.MetricsAddr)
			if err := http.ListenAndServe(cli.MetricsAddr, metrics.Handler()); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	client := remoteclient.New(serverURL(cli.Server), cli.RequestTimeout)

	reconciler := reconcile.New(root, client, log)
	reconcileStart := time.Now()
	if err := reconciler.Run(ctx); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}
	metrics.ReconcileDuration.Observe(time.Since(reconcileStart).Seconds())

	w, err := watch.New(root, log)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	stopWatch := make(chan struct{})
	go w.Run(stopWatch)

	e := &engine{
		root:      root,
		client:    client,
		buf:       updatebuf.New(),
		log:       log,
		metrics:   metrics,
		updateMax: cli.UpdateMax,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("watching", "directory", root, "server", cli.Server)
	e.loop(ctx, w, sigChan)

	close(stopWatch)
	log.Info("shutdown complete")
	return nil
}

func (e *engine) loop(ctx context.Context, w *watch.Watcher, sigChan chan os.Signal) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case a := <-w.Events:
			e.handleAction(ctx, a)

		case err := <-w.Errors:
			e.log.Error("watcher error", "error", err)

		case <-ticker.C:
			now := time.Now().UnixNano()
			for _, key := range e.buf.Tick(now, e.updateMax.Nanoseconds()) {
				e.upload(ctx, key)
			}
			e.metrics.UpdateBufferSize.Set(float64(e.buf.Len()))

		case sig := <-sigChan:
			e.log.Info("received shutdown signal", "signal", sig.String())
			return

		case <-ctx.Done():
			return
		}
	}
}

func (e *engine) handleAction(ctx context.Context, a watch.Action) {
	switch a.Kind {
	case watch.ActionCreateDir:
		e.log.Info("Client: Creating directory", "path", a.From)
		if err := e.client.CreateDir(ctx, a.From); err != nil {
			e.log.Error("createdir failed", "path", a.From, "error", err)
		}

	case watch.ActionDeleteObject:
		e.buf.Delete(a.From)
		e.log.Info("Client: Deleting", "path", a.From)
		if err := e.client.DeleteObject(ctx, a.From); err != nil {
			e.log.Error("deleteobject failed", "path", a.From, "error", err)
		}

	case watch.ActionModifyFile:
		if e.buf.Modify(a.From, time.Now().UnixNano()) {
			e.upload(ctx, a.From)
		}

	case watch.ActionMove:
		e.buf.Rename(a.From, a.To)
		e.log.Info("Client: Renaming", "from", a.From, "to", a.To)
		if err := e.client.RenameObject(ctx, a.From, a.To); err != nil {
			e.log.Error("renameobject failed", "from", a.From, "to", a.To, "error", err)
		}

	case watch.ActionMoveOut:
		e.buf.Delete(a.From)
		e.log.Info("Client: Deleting", "path", a.From)
		if err := e.client.DeleteObject(ctx, a.From); err != nil {
			e.log.Error("deleteobject failed", "path", a.From, "error", err)
		}
	}
}

func (e *engine) upload(ctx context.Context, key string) {
	abs := filepath.Join(e.root, filepath.FromSlash(key))
	e.log.Info("Client: Copying file", "path", key)

	stats, err := remoteclient.Upload(ctx, e.client, key, abs)
	if err != nil {
		e.log.Error("upload failed", "path", key, "error", err)
		return
	}

	e.metrics.UploadsIssued.Inc()
	e.metrics.BlocksSent.Add(float64(stats.BlocksSent))
	e.metrics.BlocksSkipped.Add(float64(stats.BlocksSkipped))
	e.metrics.BytesUploaded.Add(float64(stats.BytesSent))
}
