// Command dirsync-server accepts mirror protocol requests from a
// dirsync-client and applies them to a destination directory tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/relaymirror/dirsync/internal/blockstore"
	"github.com/relaymirror/dirsync/internal/mirrormetrics"
	"github.com/relaymirror/dirsync/internal/mirrorproto"
	"github.com/relaymirror/dirsync/internal/mirrorserver"
)

const serverVersion = "dirsync-server 0.1.0"

// CLI defines the command-line interface for dirsync-server.
type CLI struct {
	Directory string `arg:"" optional:"" default:"Storage" type:"path" help:"Destination directory to mirror into."`

	Interface string `default:"localhost:5000" help:"Address (host:port) to listen for mirror protocol requests on."`
	Blocksize int    `default:"262144" help:"Block size, in bytes, used for the checksum vector and block-diff writes."`

	MetricsAddr string `help:"Address to serve Prometheus metrics on (e.g. :9100). Empty disables metrics."`
	LogLevel    string `default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)."`

	Version kong.VersionFlag `short:"V" help:"Show version."`
}

func main() {
	var cli CLI

	kctx := kong.Parse(&cli,
		kong.Name("dirsync-server"),
		kong.Description("Accepts mirror protocol requests and applies them to a destination tree."),
		kong.UsageOnError(),
		kong.Vars{"version": serverVersion},
	)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cli.LogLevel)}))

	if err := run(context.Background(), &cli, log); err != nil {
		log.Error("fatal error", "error", err)
		kctx.Exit(1)
	}
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

func run(ctx context.Context, cli *CLI, log *slog.Logger) error {
	if _, err := os.Stat(cli.Directory); os.IsNotExist(err) {
		log.Info("Server: Creating directory", "path", cli.Directory)
	}

	store, err := blockstore.New(cli.Directory)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
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

	shutdownChan := make(chan struct{})
	var closeOnce sync.Once
	shutdown := func() {
		closeOnce.Do(func() { close(shutdownChan) })
	}

	srv := mirrorserver.New(store, cli.Blocksize, log, metrics, shutdown)

	httpSrv := &http.Server{
		Addr:    cli.Interface,
		Handler: srv.Routes(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cli.Interface, "root", store.Root, "blocksize", cli.Blocksize, "protocol", mirrorproto.PrefixV11)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-shutdownChan:
		log.Info("received shutdown request")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}
