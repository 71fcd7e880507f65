package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ahrdadan/quizpilot/internal/log"
)

const (
	// DefaultStream is the JetStream stream holding run events.
	DefaultStream = "QUIZPILOT_RUNS"
	// DefaultSubjectPrefix prefixes the per run subjects.
	DefaultSubjectPrefix = "quizpilot.runs"
)

// PublisherConfig is the NATS publisher configuration.
type PublisherConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	Timeout       time.Duration
	Logger        log.Logger
}

func (c *PublisherConfig) defaults() error {
	if c.URL == "" {
		return fmt.Errorf("nats url is required")
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	c.SubjectPrefix = strings.TrimSuffix(c.SubjectPrefix, ".")
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "events.NATSPublisher"})
	return nil
}

// NATSPublisher publishes run events to a JetStream stream, one subject per
// run.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    PublisherConfig
	logger log.Logger
}

// NewNATSPublisher connects to NATS and makes sure the run stream exists.
func NewNATSPublisher(ctx context.Context, cfg PublisherConfig) (*NATSPublisher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("quizpilot"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				cfg.Logger.Warningf("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			cfg.Logger.Infof("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &NATSPublisher{
		nc:     nc,
		js:     js,
		cfg:    cfg,
		logger: cfg.Logger,
	}

	if err := p.setupStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	p.logger.Infof("Publishing run events to %s.* on stream %s", cfg.SubjectPrefix, cfg.Stream)
	return p, nil
}

func (p *NATSPublisher) setupStream(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        p.cfg.Stream,
		Description: "Quiz automation run events",
		Subjects:    []string{p.cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.cfg.MaxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Subject returns the subject events of run runID are published on.
func (p *NATSPublisher) Subject(runID string) string {
	return subject(p.cfg.SubjectPrefix, runID)
}

func subject(prefix, runID string) string {
	// Subject tokens can't hold wildcards, separators or whitespace.
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, runID)
	return prefix + "." + clean
}

// Publish stores ev in the stream.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if _, err := p.js.Publish(ctx, p.Subject(ev.RunID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Connected reports whether the NATS connection is up.
func (p *NATSPublisher) Connected() bool {
	return p.nc.IsConnected()
}

// Close drains the NATS connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
