// Package channel implements the channel manager: the registry of
// channels and peers, producer selection, and the transfer lifecycle.
//
// # Peers and priority
//
// A peer is a WORKER, PORTAL or STORAGE endpoint bound to a channel as a
// PRODUCER or CONSUMER. Per channel there is at most one WORKER producer
// and at most one PORTAL peer; the store's unique indexes enforce both.
// Producers get a priority from a per-channel counter when they are bound,
// so earlier producers are preferred. A producer whose transfer fails is
// given a fresh value from the same counter, which moves it behind every
// other producer without unbinding it.
//
// # Transfers
//
// A transfer moves the data from one producer to one consumer:
//
//	PENDING → ACTIVE → COMPLETED
//	                 ↘ FAILED
//
// A peer takes part in at most one PENDING or ACTIVE transfer. When a
// storage consumer completes its inbound transfer it is promoted to a
// producer, so later consumers can read from it.
//
// # Operations
//
// Create, Bind, Unbind, Destroy and DestroyAll run as operations (see
// package operation). A consumer's Bind stays open while it waits for a
// producer and while its transfer is in flight. Anything that changes what
// a waiting operation depends on (a new producer, a finished transfer, an
// unbind, a destroy) resumes the not-done operations of the channel, and
// each step re-reads the store before acting.
package channel
