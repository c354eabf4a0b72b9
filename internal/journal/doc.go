// Package journal keeps a SQLite audit trail of sessions and clip uploads.
package journal
