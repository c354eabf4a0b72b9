// Package storage writes clip objects to S3-compatible blob storage and
// classifies rejected writes.
package storage
