package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/clip-upload-service/internal/audio"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/storage"
	"github.com/skypro1111/clip-upload-service/internal/upload"
	"github.com/skypro1111/clip-upload-service/internal/vad"
)

// Journal records session lifecycle metadata
type Journal interface {
	upload.EventRecorder
	StartSession(ctx context.Context, sessionID, businessID, mode string) error
	EndSession(ctx context.Context, sessionID, status string) error
}

// ProgressFunc observes clip upload progress of a session
type ProgressFunc func(sessionID string, successes []string, total int)

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	SampleRate        int
	AllocationSeconds float64
	Segmentation      audio.SegmentationConfig
	VADThreshold      float32

	Encoder    audio.Encoder
	Writer     upload.ClipWriter
	StorageURL string

	Journal  Journal
	Progress ProgressFunc
	Metrics  *metrics.Metrics

	Timeout         time.Duration // idle time before a session is ended
	CleanupInterval time.Duration
	EndTimeout      time.Duration // bound on End during cleanup and Stop
}

// Manager owns every session of the process, keyed by stream id
type Manager struct {
	sessions map[uint32]*Session
	byID     map[string]*Session
	starting map[uint32]chan struct{} // streams whose start marker is being written
	mu       sync.RWMutex

	config  ManagerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig) (*Manager, error) {
	if config.Writer == nil {
		return nil, fmt.Errorf("clip writer cannot be nil")
	}
	if config.Encoder == nil {
		return nil, fmt.Errorf("encoder cannot be nil")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if err := config.Segmentation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmentation config: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if config.EndTimeout <= 0 {
		config.EndTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[uint32]*Session),
		byID:     make(map[string]*Session),
		starting: make(map[uint32]chan struct{}),
		config:   config,
		logger:   logger,
		metrics:  config.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateSession starts a session with a generated id for streamID and
// writes its start marker. A start marker failure is returned as is and no
// session is kept.
func (m *Manager) CreateSession(ctx context.Context, streamID uint32, businessID, mode string) (*Session, error) {
	return m.CreateSessionWithID(ctx, streamID, "", businessID, mode)
}

// CreateSessionWithID is CreateSession with a caller-chosen session id.
// An empty id gets a generated one.
func (m *Manager) CreateSessionWithID(ctx context.Context, streamID uint32, sessionID, businessID, mode string) (*Session, error) {
	existing, err := m.claimStart(ctx, streamID)
	if err != nil || existing != nil {
		return existing, err
	}
	defer m.releaseStart(streamID)

	segmenter, err := audio.NewSegmenter(m.config.Segmentation)
	if err != nil {
		return nil, err
	}
	threshold := m.config.VADThreshold
	if threshold == 0 {
		threshold = vad.DefaultThreshold
	}
	processor, err := vad.NewProcessor(threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD processor: %w", err)
	}

	now := time.Now()
	id := sessionID
	if id == "" {
		id = uuid.NewString()
	} else if other, taken := m.GetSessionByID(id); taken && other.StreamID != streamID {
		return nil, fmt.Errorf("session id %s is already used by stream %d", id, other.StreamID)
	}
	prefix := storage.PathPrefix(now, id)
	logger := m.logger.With(slog.String("session_id", id), slog.Uint64("stream_id", uint64(streamID)))

	var progress upload.ProgressFunc
	if m.config.Progress != nil {
		progress = func(successes []string, total int) { m.config.Progress(id, successes, total) }
	}

	var events upload.EventRecorder
	if m.config.Journal != nil {
		events = m.config.Journal
	}

	uploads, err := upload.NewOrchestrator(upload.Config{
		SessionID:  id,
		BusinessID: businessID,
		PathPrefix: prefix,
		SampleRate: m.config.SampleRate,
		Encoder:    m.config.Encoder,
		Writer:     m.config.Writer,
		Progress:   progress,
		Events:     events,
		Logger:     m.logger,
		Metrics:    m.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upload orchestrator: %w", err)
	}

	session := &Session{
		ID:           id,
		StreamID:     streamID,
		BusinessID:   businessID,
		Mode:         mode,
		StartTime:    now,
		PathPrefix:   prefix,
		buffer:       audio.NewBuffer(m.config.SampleRate, m.config.AllocationSeconds),
		segmenter:    segmenter,
		vad:          processor,
		uploads:      uploads,
		logger:       logger,
		metrics:      m.metrics,
		ctx:          m.ctx,
		state:        StateRecording,
		lastActivity: now,
	}

	marker := upload.StartMarker{
		SessionID:  id,
		BusinessID: businessID,
		Mode:       mode,
		StorageURL: m.config.StorageURL,
		SampleRate: m.config.SampleRate,
		StartedAt:  now.UTC(),
	}
	if err := uploads.WriteMarker(ctx, upload.StartMarkerName, marker); err != nil {
		return nil, err
	}

	if m.config.Journal != nil {
		if err := m.config.Journal.StartSession(ctx, id, businessID, mode); err != nil {
			logger.Warn("Failed to journal session start", slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	if other, taken := m.byID[id]; taken && other.StreamID != streamID {
		m.mu.Unlock()
		return nil, fmt.Errorf("session id %s is already used by stream %d", id, other.StreamID)
	}
	if old, ok := m.sessions[streamID]; ok {
		delete(m.byID, old.ID)
	}
	m.sessions[streamID] = session
	m.byID[id] = session
	m.mu.Unlock()

	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(m.GetActiveSessionCount())

	logger.Info("Created recording session",
		slog.String("business_id", businessID),
		slog.String("mode", mode),
		slog.String("path_prefix", prefix))

	return session, nil
}

// claimStart returns the open session of streamID, or reserves the stream for
// a new one. A start already in progress for the stream is waited for.
func (m *Manager) claimStart(ctx context.Context, streamID uint32) (*Session, error) {
	for {
		m.mu.Lock()
		if existing, ok := m.sessions[streamID]; ok && existing.State() != StateEnded {
			m.mu.Unlock()
			m.logger.Warn("Session already exists for stream",
				slog.Uint64("stream_id", uint64(streamID)),
				slog.String("session_id", existing.ID))
			return existing, nil
		}
		busy, ok := m.starting[streamID]
		if !ok {
			m.starting[streamID] = make(chan struct{})
			m.mu.Unlock()
			return nil, nil
		}
		m.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for session start of stream %d: %w", streamID, ctx.Err())
		}
	}
}

func (m *Manager) releaseStart(streamID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.starting[streamID]; ok {
		close(ch)
		delete(m.starting, streamID)
	}
}

// GetSession retrieves the session of a stream
func (m *Manager) GetSession(streamID uint32) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[streamID]
	return session, exists
}

// GetSessionByID retrieves a session by its id
func (m *Manager) GetSessionByID(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.byID[id]
	return session, exists
}

// GetActiveSessionCount returns the number of sessions that have not ended
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		if s.State() != StateEnded {
			count++
		}
	}
	return count
}

// GetAllSessions returns a snapshot of all sessions (for monitoring)
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// PauseSession pauses the session of a stream
func (m *Manager) PauseSession(ctx context.Context, streamID uint32) Result {
	session, res := m.HaltSession(streamID)
	if !res.OK() {
		return res
	}
	return session.Settle(ctx)
}

// HaltSession pauses the session of a stream without waiting for uploads.
// Frames handled after it returns are ignored until ResumeSession.
func (m *Manager) HaltSession(streamID uint32) (*Session, Result) {
	session, ok := m.GetSession(streamID)
	if !ok {
		return nil, failure(fmt.Sprintf("no session for stream %d", streamID), nil)
	}
	return session, session.HaltRecording()
}

// ResumeSession resumes the session of a stream
func (m *Manager) ResumeSession(streamID uint32) Result {
	session, ok := m.GetSession(streamID)
	if !ok {
		return failure(fmt.Sprintf("no session for stream %d", streamID), nil)
	}
	return session.Resume()
}

// EndSession ends the session of a stream. The session stays queryable and
// retryable until the cleanup routine removes it.
func (m *Manager) EndSession(ctx context.Context, streamID uint32) Result {
	session, ok := m.GetSession(streamID)
	if !ok {
		return failure(fmt.Sprintf("no session for stream %d", streamID), nil)
	}
	return m.endSession(ctx, session)
}

// CloseSession ends the session of a stream without waiting for uploads.
// A start handled after it returns opens a new session; FinishSession
// completes the end of this one.
func (m *Manager) CloseSession(streamID uint32) (*Session, Result) {
	session, ok := m.GetSession(streamID)
	if !ok {
		return nil, failure(fmt.Sprintf("no session for stream %d", streamID), nil)
	}
	res := session.Close()
	if res.OK() {
		m.metrics.SetActiveSessions(m.GetActiveSessionCount())
	}
	return session, res
}

// FinishSession waits for the uploads of a closed session, writes its end
// marker and journals the outcome.
func (m *Manager) FinishSession(ctx context.Context, session *Session) Result {
	res := session.Finish(ctx)

	status := string(res.Status)
	m.metrics.RecordSessionEnded(status, time.Since(session.StartTime).Seconds())
	m.journalEnd(ctx, session, status)

	session.logger.Info("Session ended",
		slog.String("status", status),
		slog.String("message", res.Message),
		slog.Int("failed_clips", len(res.FailedFiles)),
		slog.Duration("duration", time.Since(session.StartTime)))
	return res
}

func (m *Manager) endSession(ctx context.Context, session *Session) Result {
	if res := session.Close(); !res.OK() {
		return res
	}
	m.metrics.SetActiveSessions(m.GetActiveSessionCount())
	return m.FinishSession(ctx, session)
}

// RetrySession re-uploads the failed clips of a stream's session
func (m *Manager) RetrySession(ctx context.Context, streamID uint32) Result {
	session, ok := m.GetSession(streamID)
	if !ok {
		return failure(fmt.Sprintf("no session for stream %d", streamID), nil)
	}
	return m.RetryClips(ctx, session)
}

// RetryClips re-uploads the failed clips of session. After End the journal
// records the new outcome.
func (m *Manager) RetryClips(ctx context.Context, session *Session) Result {
	res := session.Retry(ctx)
	if session.State() == StateEnded {
		m.journalEnd(ctx, session, string(res.Status))
	}
	return res
}

func (m *Manager) journalEnd(ctx context.Context, session *Session, status string) {
	if m.config.Journal == nil {
		return
	}
	if err := m.config.Journal.EndSession(ctx, session.ID, status); err != nil {
		session.logger.Warn("Failed to journal session end", slog.String("error", err.Error()))
	}
}

// RemoveSession drops a session from the manager without ending it
func (m *Manager) RemoveSession(streamID uint32) bool {
	m.mu.Lock()
	session, exists := m.sessions[streamID]
	if exists {
		delete(m.sessions, streamID)
		delete(m.byID, session.ID)
	}
	m.mu.Unlock()

	if exists {
		m.metrics.SetActiveSessions(m.GetActiveSessionCount())
	}
	return exists
}

// Stop ends every open session and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	var wg sync.WaitGroup
	for _, session := range m.GetAllSessions() {
		if session.State() == StateEnded {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.config.EndTimeout)
			defer cancel()
			m.endSession(ctx, s)
		}(session)
	}
	wg.Wait()

	// Cancel context to stop cleanup routine and any straggling uploads
	m.cancel()
	<-m.cleanup

	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", len(m.GetAllSessions())))
}

// startCleanupRoutine ends idle sessions and forgets ended ones
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.config.Timeout),
		slog.Duration("check_interval", m.config.CleanupInterval))

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()

	var idle, ended []*Session
	for _, session := range m.GetAllSessions() {
		if now.Sub(session.LastActivity()) <= m.config.Timeout {
			continue
		}
		if session.State() == StateEnded {
			ended = append(ended, session)
		} else {
			idle = append(idle, session)
		}
	}

	if len(idle) > 0 {
		m.logger.Info("Ending idle sessions", slog.Int("count", len(idle)))
	}
	for _, session := range idle {
		ctx, cancel := context.WithTimeout(m.ctx, m.config.EndTimeout)
		m.endSession(ctx, session)
		cancel()
	}

	for _, session := range ended {
		m.forget(session)
	}
}

// forget removes session unless its stream already started a new one
func (m *Manager) forget(session *Session) {
	m.mu.Lock()
	if m.sessions[session.StreamID] == session {
		delete(m.sessions, session.StreamID)
	}
	delete(m.byID, session.ID)
	m.mu.Unlock()
}
