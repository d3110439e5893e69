package indexdb

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig publishes export records as events for downstream consumers.
type NATSConfig struct {
	URL     string
	Subject string
	Source  string
	Logger  *log.Logger
}

type NATSIndex struct {
	conn    *nats.Conn
	subject string
	source  string
	logger  *log.Logger

	once      sync.Once
	closed    atomic.Bool
	published atomic.Uint64
	failed    atomic.Uint64
}

func OpenNATS(cfg NATSConfig) (*NATSIndex, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("empty nats url")
	}
	if cfg.Subject == "" {
		cfg.Subject = "voxelstruct.exports"
	}
	if err := checkSubject(cfg.Subject); err != nil {
		return nil, err
	}

	n := &NATSIndex{subject: cfg.Subject, source: cfg.Source, logger: cfg.Logger}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("voxelstruct-index"),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.printf("nats index disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.printf("nats index reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	n.conn = conn
	return n, nil
}

// checkSubject rejects subjects a publisher may not use.
func checkSubject(s string) error {
	if strings.ContainsAny(s, " \t\r\n*>") || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return fmt.Errorf("invalid nats subject %q", s)
	}
	return nil
}

func encodeEvent(kind, source string, e Export) ([]byte, error) {
	return json.Marshal(indexEvent{Kind: kind, Source: source, Payload: e})
}

// RecordExport publishes without waiting for the server. The client buffers
// while reconnecting.
func (n *NATSIndex) RecordExport(e Export) {
	if n == nil || n.closed.Load() {
		return
	}
	e.normalize()
	b, err := encodeEvent("export", n.source, e)
	if err == nil {
		err = n.conn.Publish(n.subject, b)
	}
	if err != nil {
		n.failed.Add(1)
		n.printf("nats index publish id=%s: %v", e.ID, err)
		return
	}
	n.published.Add(1)
}

func (n *NATSIndex) Published() uint64 { return n.published.Load() }
func (n *NATSIndex) Failed() uint64    { return n.failed.Load() }

// Close flushes pending publishes and closes the connection.
func (n *NATSIndex) Close() error {
	if n == nil {
		return nil
	}
	var err error
	n.once.Do(func() {
		n.closed.Store(true)
		err = n.conn.FlushTimeout(5 * time.Second)
		n.conn.Close()
	})
	return err
}

func (n *NATSIndex) printf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf(format, args...)
	}
}
