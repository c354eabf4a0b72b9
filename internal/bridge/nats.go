package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Side names which context a NATS transport serves
type Side string

const (
	SideForeground Side = "foreground"
	SideBackground Side = "background"
)

func (s Side) peer() Side {
	if s == SideForeground {
		return SideBackground
	}
	return SideForeground
}

// NATSConfig contains NATS transport configuration
type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	Side           Side
	Buffer         int
	ConnectTimeout time.Duration
}

// NATSTransport exchanges JSON-encoded messages over two NATS subjects,
// {prefix}.foreground and {prefix}.background. Each side subscribes to its
// own subject and publishes to the peer's.
type NATSTransport struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	peer    string
	in      chan Message
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// ConnectNATS connects to the server and subscribes to this side's subject
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*NATSTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("no NATS url configured")
	}
	if cfg.Side != SideForeground && cfg.Side != SideBackground {
		return nil, fmt.Errorf("invalid bridge side: %q", cfg.Side)
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "clipupload.bridge"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("clip-upload-"+string(cfg.Side)),
		nats.Timeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	t := &NATSTransport{
		conn:    conn,
		subject: cfg.SubjectPrefix + "." + string(cfg.Side),
		peer:    cfg.SubjectPrefix + "." + string(cfg.Side.peer()),
		in:      make(chan Message, cfg.Buffer),
		done:    make(chan struct{}),
		logger:  logger.With(slog.String("side", string(cfg.Side))),
	}

	t.sub, err = conn.Subscribe(t.subject, t.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", t.subject, err)
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	t.logger.Info("Bridge connected to NATS",
		slog.String("url", cfg.URL),
		slog.String("subject", t.subject))
	return t, nil
}

func (t *NATSTransport) handle(m *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		t.logger.Warn("Dropping malformed bridge message", slog.String("error", err.Error()))
		return
	}
	select {
	case t.in <- msg:
	case <-t.done:
	}
}

// Send publishes msg to the peer subject
func (t *NATSTransport) Send(ctx context.Context, msg Message) error {
	select {
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	if err := t.conn.Publish(t.peer, data); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}

func (t *NATSTransport) Messages() <-chan Message {
	return t.in
}

func (t *NATSTransport) Done() <-chan struct{} {
	return t.done
}

// Healthy reports whether the NATS connection is up
func (t *NATSTransport) Healthy() bool {
	return t != nil && t.conn != nil && t.conn.Status() == nats.CONNECTED
}

// Close unsubscribes and closes the connection
func (t *NATSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		if t.sub != nil {
			err = t.sub.Unsubscribe()
		}
		t.conn.Close()
	})
	return err
}

// EmbeddedServer is an in-process NATS server for single-binary deployments
type EmbeddedServer struct {
	ns     *server.Server
	logger *slog.Logger
}

// StartEmbedded starts a NATS server on host:port. Port -1 picks a free port.
func StartEmbedded(host string, port int, logger *slog.Logger) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	logger.Info("Embedded NATS server started", slog.String("url", ns.ClientURL()))

	return &EmbeddedServer{ns: ns, logger: logger}, nil
}

// ClientURL returns the URL clients connect to
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.logger.Info("Shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
