// Package reconcile implements the startup bulk synchronization pass: wait
// for the server to come up, then walk the source tree in directory order
// uploading anything missing or stale.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/relaymirror/dirsync/internal/fsmirror"
	"github.com/relaymirror/dirsync/internal/mirrorproto"
	"github.com/relaymirror/dirsync/internal/remoteclient"
)

// Reconciler drives the startup wait-for-server retry loop and the initial
// tree walk.
type Reconciler struct {
	Root   string
	Client *remoteclient.Client
	Log    *slog.Logger
}

// New returns a Reconciler. log may be nil; a discard logger is substituted.
func New(root string, client *remoteclient.Client, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{Root: root, Client: client, Log: log}
}

// Run blocks until the server answers, then walks Root sequentially: for
// every directory it issues DirExists/CreateDir, for every file it issues
// CheckFile and, if missing or stale, the upload procedure. Failures
// surface immediately, per the reconciler's sequential contract.
func (r *Reconciler) Run(ctx context.Context) error {
	r.Log.Info("Client: Waiting for server to start...")
	if err := r.Client.WaitForServer(ctx); err != nil {
		return fmt.Errorf("wait for server: %w", err)
	}

	return filepath.Walk(r.Root, func(abs string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if abs == r.Root {
			return nil
		}
		rel, err := fsmirror.Rel(r.Root, abs)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", abs, err)
		}

		if info.IsDir() {
			return r.reconcileDir(ctx, rel)
		}
		return r.reconcileFile(ctx, rel, abs, info)
	})
}

func (r *Reconciler) reconcileDir(ctx context.Context, rel string) error {
	exists, err := r.Client.DirExists(ctx, rel)
	if err != nil {
		return fmt.Errorf("direxists %s: %w", rel, err)
	}
	if exists {
		return nil
	}
	r.Log.Info("Client: Creating directory", "path", rel)
	if err := r.Client.CreateDir(ctx, rel); err != nil {
		return fmt.Errorf("createdir %s: %w", rel, err)
	}
	return nil
}

func (r *Reconciler) reconcileFile(ctx context.Context, rel, abs string, info os.FileInfo) error {
	remote, ok, err := r.Client.CheckFile(ctx, rel)
	if err != nil {
		return fmt.Errorf("checkfile %s: %w", rel, err)
	}

	_, mtime, err := fsmirror.Times(abs, info)
	if err != nil {
		return fmt.Errorf("stat times %s: %w", rel, err)
	}

	local := mirrorproto.FileStat{Size: uint64(info.Size()), Mtime: mtime.UnixNano()}
	if ok && local.Equal(remote) {
		return nil
	}

	r.Log.Info("Client: Copying file", "path", rel)
	if _, err := remoteclient.Upload(ctx, r.Client, rel, abs); err != nil {
		return fmt.Errorf("upload %s: %w", rel, err)
	}
	return nil
}
