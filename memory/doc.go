// Package memory is the facade over the persistence tiers of the store.
//
// It composes the session-scoped active-context cache, the durable
// long-term graph store, the vector index, and the embedding client
// behind one Manager, so callers never pick a tier themselves.
//
// Architecture:
//   - graph.Store: durable records, entities and provenance edges (Badger)
//   - cache.ContextCache: TTL-bound working context per session
//   - vector.Index + embed.Embedder: semantic recall
//   - breaker.Breaker: circuit breakers around every external dependency
//
// Failure policy: writes are fail-closed (callers get a durable id or an
// explicit error), reads are fail-open (transient backend failures degrade
// to empty results). Embedding and indexing never block or fail a write;
// the BackfillWorker catches up on records whose embedding was missed.
package memory
