// Package eventlog implements the append-only, line-delimited JSON event log
// shared by the agent registry and the task manager, and the projections
// rebuilt from it.
//
// # File Format
//
// Every line is one JSON object. The first line of a fresh (or reset) file is
// an init marker that carries a segment id and no data:
//
//	{"timestamp":"2026-10-19T08:00:00Z","segment":"5f0c..."}
//
// Every following line is an update record whose data object carries a closed
// kind tag chosen by the subsystem that owns the log:
//
//	{"id":"9a1e...","timestamp":"2026-10-19T08:00:01Z","data":{"kind":"agent_acquire","agentId":"operator:coder[1]:1"}}
//
// # Projections
//
// A Reducer folds update records into in-memory state and is reset on every
// init marker. Replay folds a whole file once. A Tailer folds the whole file
// and then follows appends through fsnotify, draining every triggered read
// from a private queue on a single worker so reads never overlap.
package eventlog
