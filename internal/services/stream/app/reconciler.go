package server

import "sync"

// EventLogCapacity bounds the per-viewer event log ring.
const EventLogCapacity = 15

// EventLogEntry is a retained change event plus its newest marker. Exactly
// one retained entry is newest at any time.
type EventLogEntry struct {
	Event    ChangeEvent
	IsNewest bool
}

// ReconcilerPolicy tunes how viewer state reacts to events.
type ReconcilerPolicy struct {
	// MarkPendingWhileFrozen marks the projection stale even when the viewer
	// is frozen. Off by default: a frozen viewer records events in its log
	// but deliberately catches up via a full reload on unfreeze instead of
	// being nagged to refresh.
	MarkPendingWhileFrozen bool
}

// Reconciler holds one connected viewer's derived state: the freeze gate, a
// bounded event log, the pending-refresh flag, and the latest-batch identity
// set. It is owned by a single connection; all mutation is serialized behind
// its lock.
type Reconciler struct {
	policy ReconcilerPolicy

	mu             sync.Mutex
	frozen         bool
	log            []EventLogEntry
	pendingRefresh bool
	newRowIDs      map[string]struct{}
}

// NewReconciler creates empty viewer state under the given policy.
func NewReconciler(policy ReconcilerPolicy) *Reconciler {
	return &Reconciler{
		policy:    policy,
		newRowIDs: make(map[string]struct{}),
	}
}

// Apply folds one change event into the viewer state:
//
//  1. the event always enters the log, taking the newest marker and
//     evicting the oldest entry beyond capacity;
//  2. the pending-refresh flag follows the freeze gate: an arrival while
//     unfrozen marks the projection stale, an arrival while frozen leaves
//     the viewer deliberately paused (unless the policy says otherwise);
//  3. the latest-batch set is replaced by exactly this event's identities,
//     never accumulated.
//
// Apply never suppresses the event itself; freeze gating of derived views is
// each consumer's own responsibility.
func (r *Reconciler) Apply(event ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.log {
		r.log[i].IsNewest = false
	}
	r.log = append(r.log, EventLogEntry{Event: event, IsNewest: true})
	if len(r.log) > EventLogCapacity {
		r.log = r.log[len(r.log)-EventLogCapacity:]
	}

	if r.frozen {
		r.pendingRefresh = r.policy.MarkPendingWhileFrozen
	} else {
		r.pendingRefresh = true
	}

	ids := make(map[string]struct{}, len(event.NewRows))
	for _, row := range event.NewRows {
		ids[row.Identity] = struct{}{}
	}
	r.newRowIDs = ids
}

// SetFrozen flips the freeze gate.
func (r *Reconciler) SetFrozen(frozen bool) {
	r.mu.Lock()
	r.frozen = frozen
	r.mu.Unlock()
}

// Frozen reports the freeze gate.
func (r *Reconciler) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// PendingRefresh reports whether the derived projection is stale.
func (r *Reconciler) PendingRefresh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingRefresh
}

// AckRefresh clears the pending-refresh flag after the viewer reloaded.
func (r *Reconciler) AckRefresh() {
	r.mu.Lock()
	r.pendingRefresh = false
	r.mu.Unlock()
}

// IsNew reports whether identity belongs to the latest batch.
func (r *Reconciler) IsNew(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.newRowIDs[identity]
	return ok
}

// NewRowIDs returns the latest batch's identities, sorted order not
// guaranteed.
func (r *Reconciler) NewRowIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.newRowIDs))
	for id := range r.newRowIDs {
		ids = append(ids, id)
	}
	return ids
}

// Log returns a copy of the retained event log, oldest first.
func (r *Reconciler) Log() []EventLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]EventLogEntry, len(r.log))
	copy(entries, r.log)
	return entries
}
