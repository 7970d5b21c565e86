// Package remote opens short-lived SSH control channels to media hosts and
// supervises detached processes on them.
//
// Every operation acquires its own channel and releases it before returning,
// so no connection is shared between unrelated callers. Long-running work such
// as a relay transcoder is started inside a GNU screen session so it outlives
// the channel that launched it.
package remote
