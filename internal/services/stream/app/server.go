package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/phenostream/internal/phenobase"
	"github.com/louisbranch/phenostream/internal/platform/timeouts"
	"github.com/louisbranch/phenostream/internal/projection"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	defaultProjectionSeed = 42
	defaultSnapshotRows   = 50

	dateLayout = "2006-01-02"
)

// Config defines the inputs for the stream transport boundary.
type Config struct {
	HTTPAddr string
	// TablePath locates the observed phenobase CSV.
	TablePath string
	// IdentityColumn overrides the unique-per-row diff column.
	IdentityColumn string
	// Debounce overrides the watcher's quiet window.
	Debounce time.Duration
	// DeliveryTimeout bounds one broadcast delivery attempt.
	DeliveryTimeout time.Duration
	// ProjectionSeed fixes the deterministic projection. Zero means the
	// default seed.
	ProjectionSeed int64
	// FeatureCount overrides the synthetic feature dimensionality.
	FeatureCount int
	// MarkPendingWhileFrozen switches the frozen-arrival refresh policy.
	MarkPendingWhileFrozen bool

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Computer overrides the projection algorithm. Nil means the shipped
	// embedder.
	Computer projection.Computer
}

// Server hosts the stream HTTP/WebSocket process: one watcher, one
// broadcaster, and per-connection viewer state.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	watcher         *Watcher
	broadcaster     *Broadcaster
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// newRowsPayload is the subscriber-facing change event wire format.
type newRowsPayload struct {
	Count     int          `json:"count"`
	Total     int          `json:"total"`
	Images    []RowSummary `json:"images"`
	Timestamp string       `json:"timestamp"`
	// Frozen echoes the viewer's gate so the arrival banner can change
	// emphasis; delivery itself is never suppressed by freeze.
	Frozen bool `json:"frozen"`
}

type freezePayload struct {
	Frozen bool `json:"frozen"`
}

type statePayload struct {
	Frozen         bool     `json:"frozen"`
	PendingRefresh bool     `json:"pending_refresh"`
	NewRowIDs      []string `json:"new_row_ids"`
	LogLength      int      `json:"log_length"`
}

type logEntryPayload struct {
	Count     int    `json:"count"`
	Total     int    `json:"total"`
	Timestamp string `json:"timestamp"`
	IsNewest  bool   `json:"is_newest"`
}

type logSnapshotPayload struct {
	Entries []logEntryPayload `json:"entries"`
}

type tableUpdatePayload struct {
	Rows  []RowSummary `json:"rows"`
	Total int          `json:"total"`
}

type seriesUpdatePayload struct {
	Timestamp string `json:"timestamp"`
	Total     int    `json:"total"`
	Added     int    `json:"added"`
}

type tableSnapshotRequest struct {
	Limit int `json:"limit"`
}

type filtersPayload struct {
	PatchTypes []string `json:"patch_types"`
	Positions  []int    `json:"positions"`
	Fields     []string `json:"fields"`
}

type projectionRefreshPayload struct {
	PatchType  string `json:"patch_type"`
	Position   int    `json:"position"`
	WindowFrom string `json:"window_from,omitempty"`
	WindowTo   string `json:"window_to,omitempty"`
}

type projectionPoint struct {
	Identity string  `json:"identity"`
	Filename string  `json:"filename"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Cluster  int     `json:"cluster"`
	IsNew    bool    `json:"is_new"`
}

type projectionResultPayload struct {
	Points []projectionPoint `json:"points"`
	Cached bool              `json:"cached"`
	Total  int               `json:"total"`
}

type healthPayload struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// ActiveConsumer refreshes one derived view when a change event arrives.
// Each consumer checks the freeze gate itself at handling time: the event
// log tolerates no staleness while query-backed views may skip, so the gate
// cannot live inside the reconciler.
type ActiveConsumer interface {
	HandleChange(event ChangeEvent, state *Reconciler) error
}

// tableView pushes the latest batch to the live table unless frozen.
type tableView struct {
	peer *wsPeer
}

func (v tableView) HandleChange(event ChangeEvent, state *Reconciler) error {
	if state.Frozen() {
		return nil
	}
	return v.peer.writeFrame(wsFrame{
		Type: "table.update",
		Payload: mustJSON(tableUpdatePayload{
			Rows:  event.NewRows,
			Total: event.TotalCount,
		}),
	})
}

// seriesView appends a point to the live row-count series unless frozen.
type seriesView struct {
	peer *wsPeer
}

func (v seriesView) HandleChange(event ChangeEvent, state *Reconciler) error {
	if state.Frozen() {
		return nil
	}
	return v.peer.writeFrame(wsFrame{
		Type: "series.update",
		Payload: mustJSON(seriesUpdatePayload{
			Timestamp: event.Timestamp.Format(time.RFC3339),
			Total:     event.TotalCount,
			Added:     event.AddedCount,
		}),
	})
}

// wsViewer is one connected viewer: its delivery path, reconciler, and
// active view consumers.
type wsViewer struct {
	peer      *wsPeer
	state     *Reconciler
	consumers []ActiveConsumer
}

// Deliver folds the event into viewer state, always pushes the arrival
// notification, and lets each active consumer apply its own freeze check.
func (v *wsViewer) Deliver(event ChangeEvent) error {
	v.state.Apply(event)

	if err := v.peer.writeFrame(wsFrame{
		Type: "new_rows",
		Payload: mustJSON(newRowsPayload{
			Count:     event.AddedCount,
			Total:     event.TotalCount,
			Images:    event.NewRows,
			Timestamp: event.Timestamp.Format(time.RFC3339),
			Frozen:    v.state.Frozen(),
		}),
	}); err != nil {
		return err
	}

	for _, consumer := range v.consumers {
		if err := consumer.HandleChange(event, v.state); err != nil {
			return err
		}
	}
	return nil
}

// deps carries the shared collaborators each connection needs.
type deps struct {
	source      phenobase.Source
	broadcaster *Broadcaster
	cache       *ProjectionCache
	computer    projection.Computer
	seed        int64
	features    int
	policy      ReconcilerPolicy
}

// newHandler creates stream routes around the given collaborators. NewServer
// wires the watcher on top.
func newHandler(d deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthPayload{
			Status:      "ok",
			Connections: d.broadcaster.Len(),
		})
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, d)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, d deps) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	state := NewReconciler(d.policy)
	viewer := &wsViewer{
		peer:      peer,
		state:     state,
		consumers: []ActiveConsumer{tableView{peer: peer}, seriesView{peer: peer}},
	}

	channel := ""
	ctx := context.Background()
	if request := conn.Request(); request != nil {
		channel = strings.TrimSpace(request.URL.Query().Get("channel"))
		ctx = request.Context()
	}

	d.broadcaster.Register(viewer, channel)
	defer d.broadcaster.Unregister(viewer)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload", false)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large", false)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", false)
			return
		}

		switch frame.Type {
		case "ping":
			_ = peer.writeFrame(wsFrame{Type: "pong", RequestID: frame.RequestID})
		case "freeze.set":
			handleFreezeFrame(peer, state, frame)
		case "state":
			handleStateFrame(peer, state, frame)
		case "log.snapshot":
			handleLogSnapshotFrame(peer, state, frame)
		case "refresh.ack":
			state.AckRefresh()
			_ = peer.writeFrame(wsFrame{Type: "state", RequestID: frame.RequestID, Payload: mustJSON(statePayloadFrom(state))})
		case "table.snapshot":
			handleTableSnapshotFrame(peer, d, frame)
		case "filters":
			handleFiltersFrame(peer, d, frame)
		case "projection.refresh":
			handleProjectionRefreshFrame(ctx, peer, state, d, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", false)
		}
	}
}

func handleFreezeFrame(peer *wsPeer, state *Reconciler, frame wsFrame) {
	var payload freezePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid freeze payload", false)
		return
	}
	state.SetFrozen(payload.Frozen)
	_ = peer.writeFrame(wsFrame{Type: "state", RequestID: frame.RequestID, Payload: mustJSON(statePayloadFrom(state))})
}

func handleStateFrame(peer *wsPeer, state *Reconciler, frame wsFrame) {
	_ = peer.writeFrame(wsFrame{Type: "state", RequestID: frame.RequestID, Payload: mustJSON(statePayloadFrom(state))})
}

func statePayloadFrom(state *Reconciler) statePayload {
	ids := state.NewRowIDs()
	sort.Strings(ids)
	return statePayload{
		Frozen:         state.Frozen(),
		PendingRefresh: state.PendingRefresh(),
		NewRowIDs:      ids,
		LogLength:      len(state.Log()),
	}
}

func handleLogSnapshotFrame(peer *wsPeer, state *Reconciler, frame wsFrame) {
	entries := state.Log()
	payload := logSnapshotPayload{Entries: make([]logEntryPayload, len(entries))}
	for i, entry := range entries {
		payload.Entries[i] = logEntryPayload{
			Count:     entry.Event.AddedCount,
			Total:     entry.Event.TotalCount,
			Timestamp: entry.Event.Timestamp.Format(time.RFC3339),
			IsNewest:  entry.IsNewest,
		}
	}
	_ = peer.writeFrame(wsFrame{Type: "log.snapshot", RequestID: frame.RequestID, Payload: mustJSON(payload)})
}

// handleTableSnapshotFrame serves the newest rows for a viewer's initial
// table render, most recent last.
func handleTableSnapshotFrame(peer *wsPeer, d deps, frame wsFrame) {
	limit := defaultSnapshotRows
	if len(frame.Payload) > 0 {
		var payload tableSnapshotRequest
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid snapshot payload", false)
			return
		}
		if payload.Limit < 0 {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "limit must not be negative", false)
			return
		}
		if payload.Limit > 0 {
			limit = payload.Limit
		}
	}

	count, err := d.source.Count()
	if err != nil {
		log.Printf("stream: snapshot count failed: %v", err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "source table unavailable", true)
		return
	}
	if limit > count {
		limit = count
	}
	rows, err := d.source.Tail(limit)
	if err != nil {
		log.Printf("stream: snapshot tail read failed: %v", err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "source table unavailable", true)
		return
	}

	_ = peer.writeFrame(wsFrame{
		Type:      "table.snapshot",
		RequestID: frame.RequestID,
		Payload: mustJSON(tableUpdatePayload{
			Rows:  summarize(rows),
			Total: count,
		}),
	})
}

// handleFiltersFrame reports the filter dimensions currently present in the
// table: patch types, imaging positions, and the raw field names.
func handleFiltersFrame(peer *wsPeer, d deps, frame wsFrame) {
	records, err := d.source.ReadAll()
	if err != nil {
		log.Printf("stream: filters source read failed: %v", err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "source table unavailable", true)
		return
	}
	fields, err := d.source.Fields()
	if err != nil {
		log.Printf("stream: filters field read failed: %v", err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "source table unavailable", true)
		return
	}

	seen := make(map[int]struct{})
	positions := make([]int, 0, 2)
	for _, record := range records {
		if _, ok := seen[record.Position]; ok {
			continue
		}
		seen[record.Position] = struct{}{}
		positions = append(positions, record.Position)
	}
	sort.Ints(positions)

	_ = peer.writeFrame(wsFrame{
		Type:      "filters",
		RequestID: frame.RequestID,
		Payload: mustJSON(filtersPayload{
			PatchTypes: phenobase.PatchTypes(records),
			Positions:  positions,
			Fields:     fields,
		}),
	})
}

// handleProjectionRefreshFrame recomputes the projection on explicit viewer
// action. The projection never auto-refreshes from change events; the cache
// key is built from the then-current filtered row set.
func handleProjectionRefreshFrame(ctx context.Context, peer *wsPeer, state *Reconciler, d deps, frame wsFrame) {
	var payload projectionRefreshPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid projection payload", false)
		return
	}
	if strings.TrimSpace(payload.PatchType) == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "patch_type is required", false)
		return
	}

	var windowFrom, windowTo time.Time
	windowed := payload.WindowFrom != "" || payload.WindowTo != ""
	if payload.WindowFrom != "" {
		parsed, err := time.Parse(dateLayout, payload.WindowFrom)
		if err != nil {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid window_from date", false)
			return
		}
		windowFrom = parsed
	}
	if payload.WindowTo != "" {
		parsed, err := time.Parse(dateLayout, payload.WindowTo)
		if err != nil {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid window_to date", false)
			return
		}
		windowTo = parsed
	}

	records, err := d.source.ReadAll()
	if err != nil {
		log.Printf("stream: projection source read failed: %v", err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "source table unavailable", true)
		return
	}

	filtered := phenobase.Filter(records, payload.PatchType, payload.Position)
	var key CacheKey
	if windowed {
		filtered = phenobase.Window(filtered, windowFrom, windowTo)
		key = WindowKey(payload.PatchType, payload.Position, windowFrom, windowTo, len(filtered))
	} else {
		key = RowCountKey(payload.PatchType, payload.Position, len(filtered))
	}

	if len(filtered) == 0 {
		_ = peer.writeFrame(wsFrame{Type: "projection.result", RequestID: frame.RequestID, Payload: mustJSON(projectionResultPayload{Points: []projectionPoint{}})})
		return
	}

	features, _ := phenobase.Features(filtered, d.features, d.seed)
	result, cached, err := d.cache.GetOrCompute(ctx, key, func(ctx context.Context) (projection.Result, error) {
		return d.computer.Compute(ctx, features, d.seed)
	})
	if err != nil {
		log.Printf("stream: projection compute failed for %s: %v", key, err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "projection computation failed", true)
		return
	}

	points := make([]projectionPoint, len(filtered))
	for i, record := range filtered {
		points[i] = projectionPoint{
			Identity: record.Identity,
			Filename: record.Filename,
			X:        result.Coords[i].X,
			Y:        result.Coords[i].Y,
			Cluster:  result.Clusters[i],
			IsNew:    state.IsNew(record.Identity),
		}
	}
	state.AckRefresh()
	_ = peer.writeFrame(wsFrame{
		Type:      "projection.result",
		RequestID: frame.RequestID,
		Payload: mustJSON(projectionResultPayload{
			Points: points,
			Cached: cached,
			Total:  len(filtered),
		}),
	})
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, retryable bool) error {
	return peer.writeFrame(wsFrame{
		Type:      "error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: retryable,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured stream server and starts source observation.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	tablePath := strings.TrimSpace(config.TablePath)
	if tablePath == "" {
		return nil, errors.New("table path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	seed := config.ProjectionSeed
	if seed == 0 {
		seed = defaultProjectionSeed
	}
	computer := config.Computer
	if computer == nil {
		computer = projection.Embedder{}
	}

	source := phenobase.Source{Path: tablePath, IdentityColumn: config.IdentityColumn}
	broadcaster := NewBroadcaster(config.DeliveryTimeout)

	watcher, err := StartWatcher(WatcherConfig{
		Source:   source,
		Debounce: config.Debounce,
		OnChange: func(event ChangeEvent) {
			broadcaster.Broadcast(event, "")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}

	handler := newHandler(deps{
		source:      source,
		broadcaster: broadcaster,
		cache:       NewProjectionCache(),
		computer:    computer,
		seed:        seed,
		features:    config.FeatureCount,
		policy:      ReconcilerPolicy{MarkPendingWhileFrozen: config.MarkPendingWhileFrozen},
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		watcher:         watcher,
		broadcaster:     broadcaster,
	}, nil
}

// Run creates and serves a stream server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init stream server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve stream: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("stream server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("stream server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close stops source observation and releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
}
