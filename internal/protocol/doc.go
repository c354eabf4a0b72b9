// Package protocol implements the UDP frame ingest packet format: an 8-byte header
// followed by a start, frame or empty control payload.
package protocol
