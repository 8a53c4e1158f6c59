// Package session serves one academic session: an in-memory store, the
// locking facade over it and the flags telling whether it may serve.
//
// # Lifecycle
//
// A Server starts in StateLoading with ReloadNeeded set. Reload clears the
// store, repopulates it from the Loader and makes the session ready. A
// cluster merge calls MarkNotReady, after which every operation fails with
// ErrNotReady until the next Reload.
//
// # Operations
//
// Business operations follow one pattern: compute a key set through the
// facade, acquire it, mutate the store under its write lock, release the
// lock on every path. The Op catalogue names each remotable operation and
// whether it must run on the session's master.
package session
