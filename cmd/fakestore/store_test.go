package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestS3StoreAgainstFakeStore(t *testing.T) {
	fake := newFakeStore("clips", time.Minute, "secret", 0, newLogger())
	srv := httptest.NewServer(fake.routes())
	defer srv.Close()

	provider, err := credentials.NewProvider(credentials.ProviderConfig{
		Endpoint:  srv.URL + "/credentials",
		AuthToken: "secret",
		Timeout:   5 * time.Second,
	}, nil, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := storage.NewS3Store(storage.S3Config{
		Bucket:       "clips",
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		UsePathStyle: true,
	}, storage.NewHTTPClient(5*time.Second, false), newLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	state, err := provider.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	body := []byte("RIFF-not-really-a-wav")
	obj := storage.Object{
		Key:         "2026-03-09/sess-1/1.wav",
		Body:        body,
		ContentType: "audio/wav",
		Metadata:    map[string]string{"session-id": "sess-1"},
	}
	if err := blobs.Put(ctx, obj, state); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	stored, ok := fake.objects.Get(obj.Key)
	if !ok {
		t.Fatal("object not stored")
	}
	if !bytes.Equal(stored.Body, body) {
		t.Errorf("stored body = %q", stored.Body)
	}
	if stored.Metadata["session-id"] != "sess-1" {
		t.Errorf("metadata = %v", stored.Metadata)
	}

	// once the key expires the store answers 403 ExpiredToken
	fake.mu.Lock()
	fake.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	fake.mu.Unlock()
	err = blobs.Put(ctx, obj, state)
	if !storage.IsExpiredCredentials(err) {
		t.Fatalf("expected expired credentials, got %v", err)
	}
	if storage.StatusCode(err) != http.StatusForbidden {
		t.Errorf("status = %d", storage.StatusCode(err))
	}
}

func TestCredentialsRequireToken(t *testing.T) {
	fake := newFakeStore("clips", time.Minute, "secret", 0, newLogger())

	rec := httptest.NewRecorder()
	fake.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/credentials", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("credentials without token = %d", rec.Code)
	}
}

func TestPutUnknownBucket(t *testing.T) {
	fake := newFakeStore("clips", time.Minute, "", 0, newLogger())

	req := httptest.NewRequest(http.MethodPut, "/other/a.wav", bytes.NewReader([]byte("x")))
	rec := httptest.NewRecorder()
	fake.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound || !bytes.Contains(rec.Body.Bytes(), []byte("NoSuchBucket")) {
		t.Errorf("put to unknown bucket = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAccessKeyID(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"AWS4-HMAC-SHA256 Credential=AKID123/20260309/us-east-1/s3/aws4_request, SignedHeaders=host, Signature=abc", "AKID123"},
		{"Bearer token", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := accessKeyID(tt.header); got != tt.want {
			t.Errorf("accessKeyID(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestDecodeChunked(t *testing.T) {
	raw := []byte("5;chunk-signature=aa\r\nhello\r\n6\r\n world\r\n0\r\nx-amz-checksum-crc32:AAAAAA==\r\n\r\n")
	got, err := decodeChunked(raw)
	if err != nil {
		t.Fatalf("decodeChunked failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("decoded = %q", got)
	}

	if _, err := decodeChunked([]byte("zz\r\n")); err == nil {
		t.Error("expected error for bad chunk size")
	}
}
