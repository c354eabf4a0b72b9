// Package stream runs recording sessions. A session buffers incoming frames,
// segments them into clips on speech boundaries and hands each clip to its
// upload orchestrator. The Manager owns all sessions, keyed by stream id, and
// ends the ones that go idle.
package stream
