// Package notifier delivers relayed items to Discord channels.
//
// Dispatch looks up every guild destination configured for the item's
// source, checks that the bot may post in that channel, renders the item and
// enqueues it. A small worker pool drains the queue under a token bucket,
// retrying transient send failures with jittered exponential backoff.
//
// # Dedup
//
// Each (channel, source, item) triple is suppressed for DedupWindow after it
// is first queued. With PersistDedup the window survives restarts, which
// covers items re-polled after a crash between delivery and the cursor write.
package notifier
