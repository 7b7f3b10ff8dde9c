// Package scheduler runs polling passes on a fixed wall-clock grid.
//
// Ticks fall on grid lines (by default :00/:15/:30/:45 in the configured
// timezone), so a restart re-aligns to the grid instead of drifting. When the
// quota gate reports that a pass cannot proceed, the next tick is pushed to
// the first grid line at or after the quota reset plus a buffer, skipping the
// ticks in between. A failed or panicking pass re-arms after a fixed delay.
//
// Passes never overlap: the loop runs on a single goroutine and is either
// Idle (timer armed) or Running.
package scheduler
