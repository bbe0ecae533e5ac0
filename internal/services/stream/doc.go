// Package stream implements real-time change propagation for the append-only
// phenobase table.
//
// It keeps file observation, fan-out, per-viewer state, and projection
// memoization isolated from rendering so dashboards remain free to present
// the data however they like.
package stream
