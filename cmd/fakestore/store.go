package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/clip-upload-service/internal/credentials"
	"github.com/skypro1111/clip-upload-service/internal/storage"
)

// fakeStore is a development stand-in for the object store and the identity
// endpoint. It issues short-lived keys and rejects writes signed with an
// expired one, so credential refresh can be exercised locally.
type fakeStore struct {
	bucket    string
	ttl       time.Duration
	authToken string
	objects   *storage.MemoryStore
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	issued map[string]time.Time // access key id -> expiry
}

func newFakeStore(bucket string, ttl time.Duration, authToken string, failRate float64, logger *slog.Logger) *fakeStore {
	f := &fakeStore{
		bucket:    bucket,
		ttl:       ttl,
		authToken: authToken,
		objects:   storage.NewMemoryStore(),
		logger:    logger,
		now:       time.Now,
		issued:    make(map[string]time.Time),
	}
	f.objects.RequireKey(f.keyValid)
	if failRate > 0 {
		f.objects.SetFailure(func(storage.Object, credentials.State, int) error {
			if rand.Float64() < failRate {
				return &storage.StatusError{StatusCode: http.StatusServiceUnavailable, Code: "SlowDown", Message: "Please reduce your request rate."}
			}
			return nil
		})
	}
	return f
}

func (f *fakeStore) keyValid(accessKeyID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	expiry, ok := f.issued[accessKeyID]
	return ok && f.now().Before(expiry)
}

func (f *fakeStore) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /credentials", f.handleCredentials)
	mux.HandleFunc("GET /_objects", f.handleList)
	mux.HandleFunc("PUT /{bucket}/{key...}", f.handlePut)
	mux.HandleFunc("GET /{bucket}/{key...}", f.handleGet)
	return mux
}

func (f *fakeStore) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if f.authToken != "" && r.Header.Get("Authorization") != "Bearer "+f.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	state := credentials.State{
		AccessKeyID:  "FAKE" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16],
		SecretKey:    uuid.NewString(),
		SessionToken: uuid.NewString(),
		Expiry:       f.now().Add(f.ttl).UTC(),
	}

	f.mu.Lock()
	f.issued[state.AccessKeyID] = state.Expiry
	f.mu.Unlock()

	f.logger.Info("Issued credentials",
		slog.String("access_key_id", state.AccessKeyID),
		slog.Time("expiry", state.Expiry))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

func (f *fakeStore) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("bucket") != f.bucket {
		writeS3Error(w, &storage.StatusError{StatusCode: http.StatusNotFound, Code: "NoSuchBucket", Message: "The specified bucket does not exist"})
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeS3Error(w, &storage.StatusError{StatusCode: http.StatusBadRequest, Code: "IncompleteBody", Message: err.Error()})
		return
	}

	obj := storage.Object{
		Key:         r.PathValue("key"),
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Metadata:    make(map[string]string),
	}
	for name, values := range r.Header {
		if meta, ok := strings.CutPrefix(strings.ToLower(name), "x-amz-meta-"); ok && len(values) > 0 {
			obj.Metadata[meta] = values[0]
		}
	}

	creds := credentials.State{AccessKeyID: accessKeyID(r.Header.Get("Authorization"))}
	if err := f.objects.Put(r.Context(), obj, creds); err != nil {
		var se *storage.StatusError
		if !errors.As(err, &se) {
			se = &storage.StatusError{StatusCode: http.StatusInternalServerError, Code: "InternalError", Message: err.Error()}
		}
		f.logger.Warn("Rejected write",
			slog.String("key", obj.Key),
			slog.String("access_key_id", creds.AccessKeyID),
			slog.Int("status", se.StatusCode),
			slog.String("code", se.Code))
		writeS3Error(w, se)
		return
	}

	f.logger.Info("Stored object",
		slog.String("key", obj.Key),
		slog.Int("bytes", len(body)),
		slog.String("content_type", obj.ContentType))
	w.Header().Set("ETag", strconv.Quote(uuid.NewString()))
	w.WriteHeader(http.StatusOK)
}

func (f *fakeStore) handleGet(w http.ResponseWriter, r *http.Request) {
	obj, ok := f.objects.Get(r.PathValue("key"))
	if !ok || r.PathValue("bucket") != f.bucket {
		writeS3Error(w, &storage.StatusError{StatusCode: http.StatusNotFound, Code: "NoSuchKey", Message: "The specified key does not exist."})
		return
	}
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Write(obj.Body)
}

func (f *fakeStore) handleList(w http.ResponseWriter, r *http.Request) {
	keys := f.objects.Keys()
	attempts := make(map[string]int, len(keys))
	for _, k := range keys {
		attempts[k] = f.objects.Attempts(k)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"bucket":   f.bucket,
		"keys":     keys,
		"attempts": attempts,
	})
}

// accessKeyID extracts the key id from a SigV4 Authorization header:
// "AWS4-HMAC-SHA256 Credential=AKID/date/region/s3/aws4_request, ..."
func accessKeyID(authorization string) string {
	_, rest, ok := strings.Cut(authorization, "Credential=")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}

// readBody returns the object bytes, decoding aws-chunked uploads
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 256<<20))
	if err != nil {
		return nil, err
	}
	if !strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		return raw, nil
	}
	return decodeChunked(raw)
}

// decodeChunked strips the aws-chunked framing: hex size lines with optional
// chunk extensions, data, and a zero-size chunk followed by trailers.
func decodeChunked(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	rd := bufio.NewReader(bytes.NewReader(raw))

	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chunk size %q: %w", sizeField, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, rd, size); err != nil {
			return nil, fmt.Errorf("read chunk data: %w", err)
		}
		if _, err := rd.ReadString('\n'); err != nil {
			return nil, fmt.Errorf("read chunk terminator: %w", err)
		}
	}
}

type s3Error struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func writeS3Error(w http.ResponseWriter, se *storage.StatusError) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(se.StatusCode)
	xml.NewEncoder(w).Encode(s3Error{Code: se.Code, Message: se.Message})
}
