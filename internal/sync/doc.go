// Package sync keeps the local cache and the remote document store in step.
//
// # Overview
//
// The Engine owns the only connection between the two stores for the tracked
// collections (students, payments, settings, shifts):
//
//	cache.Cache ──write──▶ Engine ──upsert/delete──▶ remote.Store
//	     ▲                   │
//	     └──overwrite────────┘◀──snapshot── subscription
//
// # Lifecycle
//
// Start(ctx, userID) reconciles every tracked collection in the background:
// the remote snapshot is pulled and, when non-empty, replaces the local copy;
// the local copy is then pushed back document by document; finally one live
// subscription per collection is opened. Stop closes the subscriptions and
// cancels the remote calls still in flight, then waits for their tasks to
// return.
//
// # Writes
//
// Engine.Put, Patch, PutSingleton and Remove rewrite the whole local
// collection and issue exactly one targeted remote call. Any other write to a
// tracked cache key (an import, a hand edit) makes the engine push every
// tracked collection again.
//
// # Notifications
//
// A remote snapshot is compared structurally with the local copy, ignoring
// document order. Only a snapshot that differs overwrites the cache and fires
// the refresh callback; this is what ends push/notify cycles. Notifications
// for a collection with local pushes still in flight are held back, and the
// collection is fetched again once those pushes settle. The same holds for a
// foreign cache write whose resync has not been registered yet.
//
// # Failures
//
// Remote errors are logged by the remote.Adapter and never reach the cache.
// When the remote is down the engine degrades to local-only operation, and
// the next write or notification is the retry.
package sync
