// Package storage persists what outlives a single run: the session journal
// (state transitions, device states, script loads, clock syncs) and the last
// measured server clock offset, so a restart can start playing before the
// first resync completes.
package storage
