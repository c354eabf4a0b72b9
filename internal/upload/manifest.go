package upload

import (
	"time"

	"github.com/skypro1111/clip-upload-service/internal/audio"
)

// Marker file names
const (
	StartMarkerName = "start.json"
	EndMarkerName   = "end.json"
)

// StartMarker is written before the first clip of a session
type StartMarker struct {
	SessionID  string    `json:"sessionId"`
	BusinessID string    `json:"businessId,omitempty"`
	Mode       string    `json:"mode"`
	StorageURL string    `json:"storageUrl"`
	SampleRate int       `json:"sampleRate"`
	StartedAt  time.Time `json:"startedAt"`
}

// ClipRange is the timeline entry of one clip in the end marker
type ClipRange struct {
	FileName string `json:"fileName"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Status   Status `json:"status"`
}

// EndMarker lets a consumer rebuild the session timeline from its clips.
// Raw totals count what capture delivered; inserted totals count what went
// into clips. A difference means samples were lost between the two.
type EndMarker struct {
	SessionID            string      `json:"sessionId"`
	StoragePathPrefix    string      `json:"storagePathPrefix"`
	Clips                []ClipRange `json:"clips"`
	TotalRawSamples      int64       `json:"totalRawSamples"`
	TotalInsertedSamples int64       `json:"totalInsertedSamples"`
	TotalRawFrames       int64       `json:"totalRawFrames"`
	TotalInsertedFrames  int64       `json:"totalInsertedFrames"`
	EndedAt              time.Time   `json:"endedAt"`
}

// Totals are the sample and frame counters a session keeps for its end marker
type Totals struct {
	RawSamples      int64
	InsertedSamples int64
	RawFrames       int64
	InsertedFrames  int64
}

// NewEndMarker builds the end marker from the registry contents
func NewEndMarker(sessionID, prefix string, records []ClipRecord, totals Totals, endedAt time.Time) EndMarker {
	clips := make([]ClipRange, 0, len(records))
	for _, rec := range records {
		clips = append(clips, clipRange(rec.FileName, rec.TimeRange, rec.Status))
	}
	return EndMarker{
		SessionID:            sessionID,
		StoragePathPrefix:    prefix,
		Clips:                clips,
		TotalRawSamples:      totals.RawSamples,
		TotalInsertedSamples: totals.InsertedSamples,
		TotalRawFrames:       totals.RawFrames,
		TotalInsertedFrames:  totals.InsertedFrames,
		EndedAt:              endedAt.UTC(),
	}
}

func clipRange(name string, tr audio.TimeRange, status Status) ClipRange {
	return ClipRange{FileName: name, Start: tr.Start, End: tr.End, Status: status}
}
