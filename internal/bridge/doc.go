// Package bridge connects the foreground host to the background upload
// worker. The two sides share no memory: credentials, upload requests and
// their results travel as Messages over a Transport, either an in-process
// pipe or NATS subjects.
//
// Only the foreground talks to the identity endpoint. The worker asks it for
// a refresh when its credentials expire and keeps at most one such request
// in flight.
package bridge
