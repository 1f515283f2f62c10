// Package offline keeps a client working while disconnected from its backend.
//
// Features:
//
//   - Stale-while-revalidate cache of read queries on top of a durable Store.
//   - Background revalidation is locked per key, concurrent callers share a single fetch.
//   - Stale values are served when offline or when upstream fails.
//   - Offline create/update/delete mutations are queued per resource type and survive restarts.
//   - Effective view merges server snapshot with pending changes without mutating either.
//   - Reconciler drains the queue on every offline to online transition, deletes first, then creates, then updates.
//   - Per item failures never abort a drain, failed items stay queued for the next pass.
//   - Allows logging, stats collection.
//   - Propagates context to allow better control of backend and application components.
package offline
