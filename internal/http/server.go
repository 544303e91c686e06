package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"snapkv/pkg/config"
	"snapkv/pkg/dberrors"
	"snapkv/pkg/iterator"
	"snapkv/pkg/memtable"
	"snapkv/pkg/snapshot"
	"snapkv/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	maxValueBytes          = 1 << 20
	defaultListLimit       = 1000
)

type iPartition interface {
	Insert(key, value []byte) (types.SeqNo, error)
	Remove(key []byte) (types.SeqNo, error)
	Get(key []byte) ([]byte, bool, error)
	Range(lower, upper []byte) iterator.DoubleEnded
	Flush() error
	Snapshot() *snapshot.Snapshot
	SnapshotAt(seqno types.SeqNo) *snapshot.Snapshot
}

type iMetrics interface {
	WriteText(w io.Writer) error
}

// Server exposes one partition over HTTP. Snapshots opened through the API
// are held server side and addressed by id until they are deleted.
type Server struct {
	partition  iPartition
	metrics    iMetrics
	httpServer *http.Server
	URL        string
	addr       string
	readHeader time.Duration

	mu        sync.Mutex
	snapshots map[uuid.UUID]*snapshot.Snapshot
}

// NewServer creates a new server instance
func NewServer(p iPartition, cfg config.ServerConfig) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = time.Second
	}

	return &Server{
		partition:  p,
		URL:        fmt.Sprintf("http://localhost:%d", port),
		addr:       fmt.Sprintf(":%d", port),
		readHeader: readHeader,
		snapshots:  make(map[uuid.UUID]*snapshot.Snapshot),
	}
}

// SetMetrics enables GET /metrics.
func (s *Server) SetMetrics(m iMetrics) {
	s.metrics = m
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeader,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop shuts the listener down and releases every snapshot still held.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, snap := range s.snapshots {
		_ = snap.Close()
		delete(s.snapshots, id)
	}

	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	// keys may contain '/', so the key is the rest of the path
	r.Put("/kv/*", s.handlePut)
	r.Get("/kv/*", s.handleGet)
	r.Delete("/kv/*", s.handleDelete)
	r.Get("/keys", s.handleKeys)
	r.Post("/flush", s.handleFlush)

	r.Post("/snapshots", s.handleOpenSnapshot)
	r.Delete("/snapshots/{id}", s.handleCloseSnapshot)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument), errors.Is(err, memtable.ErrTooLargeEntry):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// keyParam returns the decoded key. chi matches on the raw path when the
// request carries escapes, and on the decoded one otherwise.
func keyParam(r *http.Request) []byte {
	raw := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return []byte(raw)
	}
	if key, err := url.PathUnescape(raw); err == nil {
		return []byte(key)
	}
	return []byte(raw)
}

// snapshotParam resolves the optional ?snapshot= handle.
func (s *Server) snapshotParam(r *http.Request) (*snapshot.Snapshot, error) {
	raw := r.URL.Query().Get("snapshot")
	if raw == "" {
		return nil, nil
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad snapshot id %q", dberrors.ErrInvalidArgument, raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("%w: snapshot %s", dberrors.ErrNotFound, id)
	}
	return snap, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Metrics disabled"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.metrics.WriteText(w); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read value"))
		return
	}

	seqno, err := s.partition.Insert(keyParam(r), value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSeqNoResponse(uint64(seqno)))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshotParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		value []byte
		found bool
	)
	if snap != nil {
		value, found, err = snap.Get(keyParam(r))
	} else {
		value, found, err = s.partition.Get(keyParam(r))
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	seqno, err := s.partition.Remove(keyParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSeqNoResponse(uint64(seqno)))
}

// handleKeys lists keys in [lower, upper) or under prefix, optionally in
// reverse and as seen by a snapshot.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	snap, err := s.snapshotParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad limit"))
			return
		}
	}

	var lower, upper []byte
	if prefix := q.Get("prefix"); prefix != "" {
		lower, upper = []byte(prefix), types.PrefixUpperBound([]byte(prefix))
	}
	if v := q.Get("lower"); v != "" {
		lower = []byte(v)
	}
	if v := q.Get("upper"); v != "" {
		upper = []byte(v)
	}

	var it iterator.DoubleEnded
	if snap != nil {
		it = snap.Range(lower, upper)
	} else {
		it = s.partition.Range(lower, upper)
	}
	defer func() { _ = it.Close() }()

	if reverse, _ := strconv.ParseBool(q.Get("reverse")); reverse {
		it = it.Rev()
	}

	items := make([]Item, 0)
	for rec := range iterator.All(it) {
		items = append(items, Item{
			Key:   string(rec.Key),
			Value: string(rec.Value),
			SeqNo: uint64(rec.SeqNo),
		})
		if len(items) == limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewItemsResponse(items))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.partition.Flush(); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleOpenSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap *snapshot.Snapshot
	if raw := r.URL.Query().Get("seqno"); raw != "" {
		seqno, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad seqno"))
			return
		}
		snap = s.partition.SnapshotAt(types.SeqNo(seqno))
	} else {
		snap = s.partition.Snapshot()
	}

	id := uuid.New()
	s.mu.Lock()
	s.snapshots[id] = snap
	s.mu.Unlock()

	s.writeJSON(w, http.StatusCreated, NewSnapshotResponse(id.String(), uint64(snap.Seqno())))
}

func (s *Server) handleCloseSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad snapshot id"))
		return
	}

	s.mu.Lock()
	snap, ok := s.snapshots[id]
	delete(s.snapshots, id)
	s.mu.Unlock()

	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Snapshot not found"))
		return
	}
	_ = snap.Close()

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
