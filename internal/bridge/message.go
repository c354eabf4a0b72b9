package bridge

import (
	"context"
	"errors"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

// ErrClosed is returned when sending on a closed transport
var ErrClosed = errors.New("bridge transport closed")

// Kind identifies a message. Requests and responses are paired by kind;
// uploads are additionally paired by object key.
type Kind string

const (
	KindConfigure      Kind = "configure_credentials"
	KindRefreshRequest Kind = "credential_refresh_request"
	KindRefreshSuccess Kind = "credential_refresh_success"
	KindRefreshError   Kind = "credential_refresh_error"
	KindUploadRequest  Kind = "upload_request"
	KindUploadSuccess  Kind = "upload_success"
	KindUploadError    Kind = "upload_error"
	KindPing           Kind = "ping"
	KindPong           Kind = "pong"
	KindDrainCheck     Kind = "drain_check"
	KindDrainStatus    Kind = "drain_status"
)

// Message is the envelope exchanged between the foreground and the background worker
type Message struct {
	Kind        Kind               `json:"kind"`
	Credentials *credentials.State `json:"credentials,omitempty"`
	Upload      *UploadPayload     `json:"upload,omitempty"`
	Key         string             `json:"key,omitempty"`
	Error       string             `json:"error,omitempty"`
	Settled     bool               `json:"settled,omitempty"`
	Outstanding int                `json:"outstanding,omitempty"`
}

// UploadPayload carries one object to write
type UploadPayload struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Body        []byte            `json:"body"`
}

func payloadFor(obj storage.Object) *UploadPayload {
	return &UploadPayload{
		Key:         obj.Key,
		ContentType: obj.ContentType,
		Metadata:    obj.Metadata,
		Body:        obj.Body,
	}
}

func (p *UploadPayload) object() storage.Object {
	return storage.Object{
		Key:         p.Key,
		Body:        p.Body,
		ContentType: p.ContentType,
		Metadata:    p.Metadata,
	}
}

// Transport moves messages to the peer context
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Messages() <-chan Message
	Done() <-chan struct{}
	Close() error
}
