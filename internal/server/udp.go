package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/clip-upload-service/internal/config"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/protocol"
	"github.com/skypro1111/clip-upload-service/internal/stream"
)

const (
	defaultWorkers = 4
	startTimeout   = 30 * time.Second
	commandTimeout = 2 * time.Minute
)

// UDPServer receives frame and lifecycle packets and routes them to sessions
type UDPServer struct {
	conn      *net.UDPConn
	config    *config.ServerConfig
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// lifecycle commands run outside the shard workers
	commands sync.WaitGroup

	// one queue per worker; a stream always lands on the same worker
	shards []chan *incomingPacket

	packetsReceived  atomic.Uint64
	packetsProcessed atomic.Uint64
	parseErrors      atomic.Uint64
	packetsDropped   atomic.Uint64
}

type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	shards := make([]chan *incomingPacket, workers)
	for i := range shards {
		shards[i] = make(chan *incomingPacket, 1000)
	}

	return &UDPServer{
		config:    cfg,
		logger:    logger,
		streamMgr: streamMgr,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		shards:    shards,
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.shards)),
	)

	for i := range s.shards {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket, drains the worker queues and waits for running
// lifecycle commands.
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	// the receive loop closes the queues on exit and the workers drain them
	s.wg.Wait()
	s.commands.Wait()

	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", s.packetsReceived.Load()),
		slog.Uint64("packets_processed", s.packetsProcessed.Load()),
		slog.Uint64("parse_errors", s.parseErrors.Load()),
		slog.Uint64("packets_dropped", s.packetsDropped.Load()),
	)

	return nil
}

func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	defer func() {
		for _, shard := range s.shards {
			close(shard)
		}
	}()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.packetsReceived.Add(1)

		// buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		shard := s.shardFor(packetData)
		select {
		case s.shards[shard] <- packet:
			s.metrics.SetQueueSize(len(s.shards[shard]))
		default:
			s.packetsDropped.Add(1)
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
				slog.Int("worker_id", shard),
			)
		}
	}
}

// shardFor picks the worker of a packet by its stream id. Packets too short
// to carry a header go to worker 0, which reports the parse error.
func (s *UDPServer) shardFor(data []byte) int {
	header, err := protocol.ParseHeader(data)
	if err != nil {
		return 0
	}
	return int(header.StreamID % uint32(len(s.shards)))
}

func (s *UDPServer) packetProcessor(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.shards[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.parseErrors.Add(1)
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.packetsProcessed.Add(1)
	s.metrics.RecordPacketReceived(protocol.TypeName(parsed.Header.PacketType))
	defer s.metrics.RecordPacketProcessed()

	header := parsed.Header
	switch header.PacketType {
	case protocol.PacketTypeStart:
		s.processStart(header, parsed.Start, workerID)
	case protocol.PacketTypeFrame:
		s.processFrame(header, parsed.Frame, workerID)
	case protocol.PacketTypePause, protocol.PacketTypeResume,
		protocol.PacketTypeEnd, protocol.PacketTypeRetry:
		s.processControl(header, workerID)
	}
}

// processStart creates the session synchronously so the frames queued
// behind it on the same worker find it.
func (s *UDPServer) processStart(header *protocol.Header, payload *protocol.StartPayload, workerID int) {
	logger := s.logger.With(
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.Int("worker_id", workerID))

	existing, exists := s.streamMgr.GetSession(header.StreamID)
	reopening := exists && existing.State() != stream.StateEnded
	if !reopening && s.atCapacity() {
		logger.Warn("Rejecting session start, too many concurrent streams",
			slog.Int("max_concurrent_streams", s.config.MaxConcurrentStreams))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, startTimeout)
	defer cancel()

	session, err := s.streamMgr.CreateSessionWithID(ctx, header.StreamID,
		payload.GetSessionID(), payload.GetBusinessID(), payload.GetMode())
	if err != nil {
		logger.Error("Failed to create session", slog.String("error", err.Error()))
		return
	}

	logger.Info("Start packet processed",
		slog.String("session_id", session.ID),
		slog.String("business_id", session.BusinessID),
		slog.String("mode", session.Mode))
}

func (s *UDPServer) atCapacity() bool {
	max := s.config.MaxConcurrentStreams
	return max > 0 && s.streamMgr.GetActiveSessionCount() >= max
}

func (s *UDPServer) processFrame(header *protocol.Header, payload *protocol.FramePayload, workerID int) {
	session, exists := s.streamMgr.GetSession(header.StreamID)
	if !exists {
		s.logger.Warn("Received frame for unknown stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.Int("worker_id", workerID),
		)
		return
	}

	if _, err := session.AddFrame(payload.Sequence, payload.Probability, payload.Samples); err != nil {
		s.logger.Warn("Failed to add frame to session",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("session_id", session.ID),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
	}
}

// processControl changes the session state on this worker, so frames and
// commands queued behind it see the new state. Only the waits for uploads
// and end markers run in their own goroutine.
func (s *UDPServer) processControl(header *protocol.Header, workerID int) {
	streamID := header.StreamID
	name := protocol.TypeName(header.PacketType)

	switch header.PacketType {
	case protocol.PacketTypeResume:
		s.logResult(name, streamID, workerID, s.streamMgr.ResumeSession(streamID))

	case protocol.PacketTypePause:
		session, res := s.streamMgr.HaltSession(streamID)
		if !res.OK() {
			s.logResult(name, streamID, workerID, res)
			return
		}
		s.await(name, streamID, workerID, session.Settle)

	case protocol.PacketTypeEnd:
		session, res := s.streamMgr.CloseSession(streamID)
		if !res.OK() {
			s.logResult(name, streamID, workerID, res)
			return
		}
		s.await(name, streamID, workerID, func(ctx context.Context) stream.Result {
			return s.streamMgr.FinishSession(ctx, session)
		})

	case protocol.PacketTypeRetry:
		session, ok := s.streamMgr.GetSession(streamID)
		if !ok {
			s.logResult(name, streamID, workerID, s.streamMgr.RetrySession(context.Background(), streamID))
			return
		}
		s.await(name, streamID, workerID, func(ctx context.Context) stream.Result {
			return s.streamMgr.RetryClips(ctx, session)
		})
	}
}

// await runs the blocking part of a command off the worker and logs its result
func (s *UDPServer) await(command string, streamID uint32, workerID int, wait func(context.Context) stream.Result) {
	s.commands.Add(1)
	go func() {
		defer s.commands.Done()

		// not tied to the server context so a shutdown does not abort an End
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s.logResult(command, streamID, workerID, wait(ctx))
	}()
}

func (s *UDPServer) logResult(command string, streamID uint32, workerID int, res stream.Result) {
	attrs := []any{
		slog.String("command", command),
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("status", string(res.Status)),
		slog.Int("worker_id", workerID),
	}
	if res.OK() {
		s.logger.Info("Session command processed", attrs...)
		return
	}
	attrs = append(attrs,
		slog.String("message", res.Message),
		slog.Any("failed_files", res.FailedFiles))
	s.logger.Warn("Session command failed", attrs...)
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	queued, capacity := 0, 0
	for _, shard := range s.shards {
		queued += len(shard)
		capacity += cap(shard)
	}

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived.Load(),
		PacketsProcessed: s.packetsProcessed.Load(),
		ParseErrors:      s.parseErrors.Load(),
		PacketsDropped:   s.packetsDropped.Load(),
		ActiveStreams:    uint64(s.streamMgr.GetActiveSessionCount()),
		Workers:          len(s.shards),
		QueueSize:        uint64(queued),
		QueueCapacity:    uint64(capacity),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ActiveStreams    uint64 `json:"active_streams"`
	Workers          int    `json:"workers"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
