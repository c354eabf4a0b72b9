package upload

import (
	"fmt"
	"sync"

	"github.com/skypro1111/clip-upload-service/internal/audio"
)

// Status is the lifecycle state of a clip
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ClipRecord describes one clip of a session. Which payload is held follows
// the status: raw samples while pending, the encoded body after a failed
// write, raw samples again after a failed encode, nothing after success.
type ClipRecord struct {
	Index       int             `json:"index"`
	FileName    string          `json:"file_name"`
	Key         string          `json:"key"`
	TimeRange   audio.TimeRange `json:"time_range"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Samples     []float32       `json:"-"`
	Body        []byte          `json:"-"`
	ContentType string          `json:"content_type,omitempty"`
}

// HasPayload reports whether the record still holds data to upload
func (r ClipRecord) HasPayload() bool {
	return len(r.Samples) > 0 || len(r.Body) > 0
}

// Registry keeps every clip of a session in ordinal order. Records are
// never removed.
type Registry struct {
	mu        sync.Mutex
	records   []*ClipRecord
	successes []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register allocates the next clip record and returns its index. The file
// name is the 1-based ordinal with ext appended.
func (r *Registry) Register(tr audio.TimeRange, samples []float32, ext string, keyFor func(fileName string) string) ClipRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := len(r.records)
	name := fmt.Sprintf("%d.%s", idx+1, ext)
	rec := &ClipRecord{
		Index:     idx,
		FileName:  name,
		TimeRange: tr,
		Status:    StatusPending,
		Samples:   samples,
	}
	if keyFor != nil {
		rec.Key = keyFor(name)
	}
	r.records = append(r.records, rec)
	return *rec
}

// Get returns a copy of the record at index
func (r *Registry) Get(index int) (ClipRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.records) {
		return ClipRecord{}, false
	}
	return *r.records[index], true
}

// SetEncoded replaces the raw samples of a record with its encoded body
func (r *Registry) SetEncoded(index int, body []byte, contentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec := r.at(index); rec != nil {
		rec.Body = body
		rec.ContentType = contentType
		rec.Samples = nil
	}
}

// MarkSuccess clears the payload and appends the file name to the success list
func (r *Registry) MarkSuccess(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.at(index)
	if rec == nil || rec.Status == StatusSuccess {
		return
	}
	rec.Status = StatusSuccess
	rec.Attempts++
	rec.LastError = ""
	rec.Samples = nil
	rec.Body = nil
	r.successes = append(r.successes, rec.FileName)
}

// MarkFailure keeps the encoded body for a later retry. A nil body means the
// clip never encoded and its raw samples are kept instead.
func (r *Registry) MarkFailure(index int, body []byte, contentType string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.at(index)
	if rec == nil || rec.Status == StatusSuccess {
		return
	}
	rec.Status = StatusFailure
	rec.Attempts++
	if body != nil {
		rec.Samples = nil
		rec.Body = body
		rec.ContentType = contentType
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}
}

// Failed returns the failed records that still hold a payload
func (r *Registry) Failed() []ClipRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ClipRecord
	for _, rec := range r.records {
		if rec.Status == StatusFailure && rec.HasPayload() {
			out = append(out, *rec)
		}
	}
	return out
}

// Successes returns the uploaded file names in completion order
func (r *Registry) Successes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.successes...)
}

// Len returns the number of registered clips
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns copies of all records without their payloads
func (r *Registry) Snapshot() []ClipRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ClipRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = *rec
		out[i].Samples = nil
		out[i].Body = nil
	}
	return out
}

func (r *Registry) at(index int) *ClipRecord {
	if index < 0 || index >= len(r.records) {
		return nil
	}
	return r.records[index]
}
