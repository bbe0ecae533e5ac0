package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/louisbranch/phenostream/internal/phenobase"
	"github.com/louisbranch/phenostream/internal/platform/timeouts"
)

// WatcherConfig defines the inputs for source observation.
type WatcherConfig struct {
	// Source reads the observed table.
	Source phenobase.Source
	// Debounce is the quiet window applied to raw filesystem signals.
	// Zero means the shared default.
	Debounce time.Duration
	// OnChange receives exactly one event per detected increment.
	OnChange func(ChangeEvent)
}

// Watcher observes the source table for append growth. It distinguishes
// growth from destructive resets, coalesces rapid filesystem signals, and
// emits one ChangeEvent per increment via OnChange.
//
// Exactly one detection cycle runs at a time; the baseline either fully
// commits at the end of a cycle or stays untouched.
type Watcher struct {
	source   phenobase.Source
	debounce time.Duration
	onChange func(ChangeEvent)

	mu         sync.Mutex
	baseline   int
	lastSignal time.Time

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartWatcher reads the initial baseline and begins observing the table's
// directory for modify signals. The caller must Stop the watcher.
func StartWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.OnChange == nil {
		return nil, errors.New("change callback is required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = timeouts.Debounce
	}

	baseline, err := cfg.Source.Count()
	if err != nil {
		return nil, fmt.Errorf("initial baseline: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	// Watch the directory: editors and appenders replace or rewrite the file,
	// and a directory watch survives both.
	if err := fsw.Add(filepath.Dir(cfg.Source.Path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(cfg.Source.Path), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		source:   cfg.Source,
		debounce: debounce,
		onChange: cfg.OnChange,
		baseline: baseline,
		fsw:      fsw,
		cancel:   cancel,
	}
	w.wg.Add(1)
	go w.run(ctx)

	log.Printf("stream: watching %s from baseline %d", cfg.Source.Path, baseline)
	return w, nil
}

// Stop halts observation. It cancels the signal loop, waits for any in-flight
// cycle to finish, and closes the filesystem watcher.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
	if err := w.fsw.Close(); err != nil {
		log.Printf("stream: close fs watcher: %v", err)
	}
	log.Printf("stream: watcher stopped")
}

// Baseline reports the last fully accounted row count.
func (w *Watcher) Baseline() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseline
}

// run consumes raw filesystem signals one at a time. A signal arriving while
// a cycle is in flight queues behind it on this goroutine and is then
// coalesced by the debounce window.
func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	target := filepath.Clean(w.source.Path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handleSignal(ctx, time.Now())
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("stream: fs watcher error: %v", err)
		}
	}
}

// handleSignal applies the debounce window and runs a detection cycle for a
// surviving signal. Signals inside the window after the last processed one
// are dropped.
func (w *Watcher) handleSignal(ctx context.Context, now time.Time) {
	w.mu.Lock()
	if now.Sub(w.lastSignal) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.lastSignal = now
	w.mu.Unlock()

	w.cycle(ctx)
}

// cycle runs one detection pass. A transient read failure abandons the cycle
// without touching the baseline, so the next surviving signal retries the
// same diff and no rows are lost.
func (w *Watcher) cycle(ctx context.Context) {
	tracer := otel.Tracer("phenostream/stream")
	_, span := tracer.Start(ctx, "watcher.cycle")
	defer span.End()

	records, err := w.source.ReadAll()
	if err != nil {
		span.RecordError(err)
		log.Printf("stream: source read failed, cycle abandoned: %v", err)
		return
	}
	count := len(records)

	w.mu.Lock()
	baseline := w.baseline
	w.mu.Unlock()

	span.SetAttributes(
		attribute.Int("source.baseline", baseline),
		attribute.Int("source.rows", count),
	)

	switch {
	case count < baseline:
		// Reset: the table was truncated or rewritten. Re-baseline silently.
		log.Printf("stream: source reset: %d -> %d", baseline, count)
		w.commit(count)
	case count == baseline:
		// Signal without growth, e.g. a metadata-only touch.
	default:
		added := count - baseline
		event := ChangeEvent{
			AddedCount: added,
			TotalCount: count,
			NewRows:    summarize(records[baseline:]),
			Timestamp:  time.Now().UTC(),
		}
		log.Printf("stream: detected %d new row(s), total %d", added, count)
		w.onChange(event)
		w.commit(count)
	}
}

func (w *Watcher) commit(baseline int) {
	w.mu.Lock()
	w.baseline = baseline
	w.mu.Unlock()
}
