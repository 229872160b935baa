// Package store persists worker records so a daemon can restore its
// workers after a restart.
//
// Three backends are provided:
//
//   - MemoryStore: process-local, for tests and single-shot runs
//   - RedisStore: one JSON value per worker plus an index set
//   - NATSStore: a NATS JetStream key-value bucket
//
// Records carry the worker spec, including its rate-limit key. Stores
// treat that key as opaque data; redaction is the logger's job.
//
// # Usage
//
//	s := store.NewMemoryStore()
//	err := s.Save(ctx, store.Record{ID: id, Name: "poller", Key: key})
//	rec, err := s.Load(ctx, id)
package store
