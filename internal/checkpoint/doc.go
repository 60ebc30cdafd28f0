// Package checkpoint persists deployment progress so that a failed run can
// be resumed exactly where it stopped.
//
// A Checkpoint records which workflow produced it, the index of the step
// being executed, and every artifact confirmed on-chain so far. Artifacts
// are additive: once a field of Steps is populated it is only ever
// extended, never removed.
//
// # Identity
//
// Checkpoint IDs have the form "{network}-{epochMillis}". The embedded
// timestamp orders checkpoints newest-first and drives age-based cleanup.
// Networks partition all queries; a lookup for one network never returns
// records of another, even when their timestamps collide.
//
// # Storage
//
// Store is the persistence boundary. FileStore keeps one JSON document per
// checkpoint under <dir>/<network>/<id>.json. SQL-backed stores live in
// internal/store. Manager owns a Store and implements creation, resumption
// lookup and cleanup policy on top of it.
package checkpoint
