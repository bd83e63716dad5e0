// Package mirrorserver binds the wire contract in internal/mirrorproto to
// internal/blockstore: the request dispatcher and its nine handlers.
package mirrorserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relaymirror/dirsync/internal/blockstore"
	"github.com/relaymirror/dirsync/internal/fsmirror"
	"github.com/relaymirror/dirsync/internal/mirrormetrics"
	"github.com/relaymirror/dirsync/internal/mirrorproto"
)

// Server is the ServerContext described in spec.md §9: the single value
// carrying everything a handler needs, so tests can stand up independent
// instances instead of relying on package-level globals.
type Server struct {
	Store     *blockstore.Store
	Blocksize int
	Log       *slog.Logger
	Metrics   *mirrormetrics.Metrics
	Shutdown  func()
}

// New constructs a Server. log and metrics may be nil in tests; a no-op
// logger/metrics set is substituted.
func New(store *blockstore.Store, blocksize int, log *slog.Logger, m *mirrormetrics.Metrics, shutdown func()) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	if m == nil {
		m = mirrormetrics.New()
	}
	return &Server{Store: store, Blocksize: blocksize, Log: log, Metrics: m, Shutdown: shutdown}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Routes returns the ServeMux binding every URL template in spec.md §4.4 to
// its handler, wrapped with per-handler Prometheus observation.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	register := func(pattern, name string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.observe(name, h))
	}

	register("GET "+mirrorproto.PrefixV10+"/direxists/{path...}", "direxists", s.handleDirExists)
	register("POST "+mirrorproto.PrefixV10+"/createdir/{path...}", "createdir", s.handleCreateDir)
	register("GET "+mirrorproto.PrefixV10+"/checkfile/{path...}", "checkfile", s.handleCheckFile)
	register("GET "+mirrorproto.PrefixV11+"/filesums/{path...}", "filesums", s.handleFileSums)
	register("POST "+mirrorproto.PrefixV10+"/copyfile/{path...}", "copyfile", s.handleCopyFile)
	register("POST "+mirrorproto.PrefixV11+"/copyblock/{path...}", "copyblock", s.handleCopyBlock)
	register("DELETE "+mirrorproto.PrefixV10+"/deleteobject/{path...}", "deleteobject", s.handleDeleteObject)
	register("PUT "+mirrorproto.PrefixV10+"/renameobject/{path...}", "renameobject", s.handleRenameObject)
	register("POST "+mirrorproto.PrefixV10+"/shutdown", "shutdown", s.handleShutdown)

	// A base-URL probe (used by the client's startup wait loop) must answer
	// with *some* response, success or not, on either prefix root.
	mux.HandleFunc("GET "+mirrorproto.PrefixV10+"/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func (s *Server) observe(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(sw, r)
		s.Metrics.ObserveRequest(name, sw.status, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleDirExists(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	ok, err := s.Store.DirExists(p)
	if err != nil {
		s.fail(w, "direxists", p, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCreateDir(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	s.Log.Info("Server: Creating directory", "path", p)
	if err := s.Store.CreateDir(p); err != nil {
		s.fail(w, "createdir", p, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCheckFile(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	stat, err := s.Store.Stat(p)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			w.WriteHeader(http.StatusGone)
			return
		}
		s.fail(w, "checkfile", p, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stat)
}

func (s *Server) handleFileSums(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	blocksize := s.Blocksize
	if blocksize <= 0 {
		blocksize = mirrorproto.DefaultBlockSize
	}
	sums, err := s.Store.Checksums(p, blocksize)
	if err != nil {
		s.fail(w, "filesums", p, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sums)
}

func (s *Server) handleCopyFile(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	s.Log.Info("Server: Copying file", "path", p)

	atime, mtime, ok := parseOptionalTimes(r)
	_ = ok
	if err := s.Store.CopyFile(p, r.Body, atime, mtime); err != nil {
		s.fail(w, "copyfile", p, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCopyBlock(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")

	offsetStr := r.URL.Query().Get(mirrorproto.QueryOffset)
	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	var final *blockstore.FinalMeta
	if fsStr := r.URL.Query().Get(mirrorproto.QueryFilesize); fsStr != "" {
		size, err := strconv.ParseInt(fsStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid filesize", http.StatusBadRequest)
			return
		}
		atime, mtime, _ := parseOptionalTimes(r)
		final = &blockstore.FinalMeta{Size: size, Atime: atime, Mtime: mtime}
	}

	if err := s.Store.WriteBlock(p, offset, r.Body, final); err != nil {
		s.fail(w, "copyblock", p, err)
		return
	}
	s.Metrics.ObserveBlockWrite()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	s.Log.Info("Server: Deleting", "path", p)
	if err := s.Store.Delete(p); err != nil {
		s.fail(w, "deleteobject", p, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRenameObject(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	newName := r.URL.Query().Get(mirrorproto.QueryNewName)
	if newName == "" {
		http.Error(w, "newname required", http.StatusBadRequest)
		return
	}
	if _, err := fsmirror.Clean(newName); err != nil {
		http.Error(w, "invalid newname", http.StatusBadRequest)
		return
	}

	s.Log.Info("Server: Renaming", "from", p, "to", newName)
	if err := s.Store.Rename(p, newName); err != nil {
		s.fail(w, "renameobject", p, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if s.Shutdown != nil {
		go s.Shutdown()
	}
}

func (s *Server) fail(w http.ResponseWriter, op, path string, err error) {
	s.Log.Error("Server: I/O error", "op", op, "path", path, "error", err)
	http.Error(w, err.Error(), http.StatusForbidden)
}

// parseOptionalTimes reads atime_ns/mtime_ns query parameters. Both must be
// present for the times to be applied; ok reports whether both were parsed.
func parseOptionalTimes(r *http.Request) (atime, mtime time.Time, ok bool) {
	atimeStr := r.URL.Query().Get(mirrorproto.QueryAtimeNs)
	mtimeStr := r.URL.Query().Get(mirrorproto.QueryMtimeNs)
	if atimeStr == "" || mtimeStr == "" {
		return time.Time{}, time.Time{}, false
	}
	atimeNs, err1 := strconv.ParseInt(atimeStr, 10, 64)
	mtimeNs, err2 := strconv.ParseInt(mtimeStr, 10, 64)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	return time.Unix(0, atimeNs), time.Unix(0, mtimeNs), true
}
