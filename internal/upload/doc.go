// Package upload tracks the clips of a session and ships them to storage.
package upload
