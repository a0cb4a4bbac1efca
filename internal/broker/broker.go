// Package broker ties the storage engine, message model, wire codecs and
// subscription registry together into a running listener: it accepts
// connections, runs each one's protocol state machine, persists published
// messages, and fans them out to subscribers through per-connection send
// queues drained by a bounded worker pool. Grounded on the teacher's
// server.go accept loop and connection lifecycle, generalized from a
// single WebSocket transport to the pluggable transport.Conn abstraction.
package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"smq/internal/codec"
	codecmqtt "smq/internal/codec/mqttcodec"
	codecsmq "smq/internal/codec/smq"
	"smq/internal/config"
	"smq/internal/message"
	"smq/internal/observability"
	"smq/internal/registry"
	"smq/internal/storage"
	"smq/internal/transport"
)

// pendingRecord is a persisted-but-undelivered publish: it was inserted
// into storage but had no subscribers at the time. It is held here until
// the first subsequent Subscribe to its destination claims and delivers
// it (see flushPending); spec.md §4.5 is silent on whether every future
// subscriber should replay such messages or only the first one to
// appear, so this resolves that ambiguity in favor of "claimed once,
// like a queue, not broadcast to every later subscriber".
type pendingRecord struct {
	handle  storage.Handle
	payload []byte
	headers map[string]string
}

// Broker owns every shared subsystem a listener needs: the registry, the
// storage engine, the selected codec, the worker pool, and the
// observability surface.
type Broker struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *registry.Registry
	storage  *storage.Engine
	codec    codec.Codec
	pool     *workerPool
	metrics  *observability.Metrics
	cpu      *observability.CPUSampler

	// handles maps a live *message.Message to the storage.Handle it was
	// persisted under, populated before Registry.Deliver (or a pending
	// flush) hands the message to its subscriber(s) so each connection's
	// Enqueue can find the handle to free once every holder has
	// serialized or dropped the message.
	handles sync.Map // *message.Message -> storage.Handle

	pendingMu sync.Mutex
	pending   map[string][]pendingRecord

	connMu      sync.Mutex
	connections map[uint64]*connection

	listener net.Listener
}

// New constructs a Broker. Call Recover, then Start, then Serve (or
// ServeHTTP for the websocket transport) to bring it up.
func New(cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*Broker, error) {
	eng, err := storage.Open(storage.Config{
		Directory:      cfg.StorageDirectory,
		ObjectName:     cfg.ObjectName,
		SlotSize:       uint32(cfg.StorageSlotSize),
		SlotsPerBucket: cfg.SlotsPerBucket(),
	})
	if err != nil {
		return nil, err
	}

	var c codec.Codec
	switch cfg.Protocol {
	case "mqtt":
		c = codecmqtt.New()
	default:
		c = codecsmq.New()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	b := &Broker{
		cfg:         cfg,
		logger:      logger,
		registry:    registry.New(),
		storage:     eng,
		codec:       c,
		pool:        newWorkerPool(workers, workers*64, logger),
		metrics:     observability.NewMetrics(reg),
		cpu:         observability.NewCPUSampler(logger),
		pending:     make(map[string][]pendingRecord),
		connections: make(map[uint64]*connection),
	}
	return b, nil
}

// Recover loads every in-use record left behind by a prior run and stages
// it as a pending backlog keyed by the destination it was stored under
// (see broker.encodeRecoveryEnvelope), per spec.md §4.5's load-on-startup
// recovery contract.
func (b *Broker) Recover() error {
	records, err := b.storage.Load()
	if err != nil {
		return err
	}
	for _, rec := range records {
		dest, payload, err := decodeRecoveryEnvelope(rec.Payload)
		if err != nil {
			b.logger.Warn().Err(err).Str("handle", rec.Handle.String()).Msg("dropping unrecoverable record")
			continue
		}
		b.pending[dest] = append(b.pending[dest], pendingRecord{handle: rec.Handle, payload: payload})
	}
	b.logger.Info().Int("destinations", len(b.pending)).Msg("recovered pending messages from storage")
	return nil
}

// Start launches the worker pool. ctx governs the pool's lifetime.
func (b *Broker) Start(ctx context.Context) {
	b.pool.Start(ctx)
}

// Serve accepts TCP connections until the listener is closed.
func (b *Broker) Serve(ln net.Listener) error {
	b.listener = ln
	for {
		nc, err := ln.Accept()
		if err != nil {
			if b.isShuttingDown() {
				return nil
			}
			return err
		}
		b.accept(transport.NewTCP(nc))
	}
}

// ServeHTTP upgrades an inbound request to a WebSocket connection and
// serves it, for use behind an http.Server when cfg.Transport is
// "websocket".
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.UpgradeHTTP(w, r)
	if err != nil {
		b.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	b.accept(conn)
}

func (b *Broker) accept(tc transport.Conn) {
	c := &connection{
		id:    nextConnID(),
		conn:  tc,
		codec: b.codec,
		b:     b,
		done:  make(chan struct{}),
	}
	if b.cfg.RateLimitPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(b.cfg.RateLimitPerSecond), b.cfg.RateLimitBurst)
	}
	c.queue = newSendQueue(b.cfg.SendQueueHighWater, b.pool, c.sendOne, c.onDrop)

	b.connMu.Lock()
	b.connections[c.id] = c
	b.connMu.Unlock()

	go c.serve()
}

func (b *Broker) forgetConnection(c *connection) {
	b.connMu.Lock()
	delete(b.connections, c.id)
	b.connMu.Unlock()
}

func (b *Broker) isShuttingDown() bool {
	return b.listener == nil
}

// publish persists (destination, payload) via the storage engine and
// either delivers it immediately (subscribers present) or stages it in
// the pending backlog (none present). Always inserts first, matching
// spec.md §4.5's "insert before acknowledgement".
func (b *Broker) publish(destination string, payload []byte, headers map[string]string) error {
	blob, err := encodeRecoveryEnvelope(destination, payload)
	if err != nil {
		return err
	}
	handle, err := b.storage.Insert(0, blob)
	if err != nil {
		if errors.Is(err, storage.ErrFull) {
			b.metrics.StorageFull.Inc()
		}
		return err
	}
	b.metrics.StorageInserts.Inc()

	if len(b.registry.Subscribers(destination)) == 0 {
		b.pendingMu.Lock()
		b.pending[destination] = append(b.pending[destination], pendingRecord{handle: handle, payload: payload, headers: headers})
		b.pendingMu.Unlock()
		return nil
	}

	m := message.New(message.Publish, destination, payload)
	for k, v := range headers {
		m.SetHeader(k, v)
	}
	b.handles.Store(m, handle)
	b.registry.Deliver(destination, m)
	return nil
}

// flushPending hands destination's staged backlog, if any, to conn alone
// and clears it: the first subscriber to appear after a message was
// orphaned claims it.
func (b *Broker) flushPending(destination string, conn *connection) {
	b.pendingMu.Lock()
	recs := b.pending[destination]
	delete(b.pending, destination)
	b.pendingMu.Unlock()

	for _, r := range recs {
		m := message.New(message.Publish, destination, r.payload)
		for k, v := range r.headers {
			m.SetHeader(k, v)
		}
		b.handles.Store(m, r.handle)
		conn.Enqueue(m)
	}
}

// Shutdown refuses new connections, stops accepting, and gives every live
// connection's send queue up to its configured drain deadline before the
// worker pool is torn down.
func (b *Broker) Shutdown() {
	ln := b.listener
	b.listener = nil
	if ln != nil {
		_ = ln.Close()
	}

	b.connMu.Lock()
	conns := make([]*connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.connMu.Unlock()

	for _, c := range conns {
		c.fail(reasonServerShutdown)
	}
	for _, c := range conns {
		<-c.done
	}

	if err := b.storage.Close(); err != nil {
		b.logger.Error().Err(err).Msg("error closing storage engine")
	}
	b.pool.Stop()
}

// SampleCPU reports the current advisory CPU usage into the CPU gauge.
// Intended to be called periodically (e.g. by a ticker in cmd/smqd).
func (b *Broker) SampleCPU() {
	b.metrics.CPUUsagePercent.Set(b.cpu.Sample())
}

// Metrics exposes the registered Prometheus collectors, e.g. for wiring
// promhttp.Handler in cmd/smqd.
func (b *Broker) Metrics() *observability.Metrics { return b.metrics }
