package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
)

// ErrExpiredCredentials marks a write rejected because the credentials expired
var ErrExpiredCredentials = errors.New("storage credentials expired")

// Error codes the store reports for expired or invalid temporary credentials
var expiredCodes = map[string]bool{
	"ExpiredToken":         true,
	"TokenRefreshRequired": true,
	"InvalidToken":         true,
}

// Object is one blob to write
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// BlobStore writes objects with an explicit credential snapshot
type BlobStore interface {
	Put(ctx context.Context, obj Object, creds credentials.State) error
}

// StatusError is a rejected write with the HTTP status and service error code
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("storage returned HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("storage returned HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// IsExpiredCredentials reports whether err signals expired write credentials:
// an explicit expiry code or any 403.
func IsExpiredCredentials(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrExpiredCredentials) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusForbidden || expiredCodes[se.Code]
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0 for transport errors
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// PathPrefix returns the session folder, {yyyy-mm-dd}/{sessionID}
func PathPrefix(started time.Time, sessionID string) string {
	return path.Join(started.UTC().Format("2006-01-02"), sessionID)
}

// Key returns the object key of fileName inside the session folder
func Key(prefix, fileName string) string {
	return path.Join(prefix, fileName)
}
