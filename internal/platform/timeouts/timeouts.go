// Package timeouts defines shared timeout constants used across the stream
// service. Centralizing these values prevents drift between components and
// makes the durations discoverable.
package timeouts

import "time"

// Debounce is the quiet window applied to raw filesystem signals before a
// source detection cycle runs. Signals arriving inside the window after the
// last processed one are coalesced.
const Debounce = 500 * time.Millisecond

// Delivery caps a single broadcast delivery attempt to one subscriber. A
// subscriber that cannot accept delivery within this window is dropped.
const Delivery = 2 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
