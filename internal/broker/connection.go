package broker

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"smq/internal/codec"
	"smq/internal/message"
	"smq/internal/storage"
	"smq/internal/transport"
)

// connState is the per-connection protocol state machine position,
// grounded on spec.md §4.5's ACCEPTED -> AUTHENTICATING -> CONNECTED ->
// DISCONNECTING -> CLOSED transition table.
type connState int32

const (
	stateAccepted connState = iota
	stateAuthenticating
	stateConnected
	stateDisconnecting
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "ACCEPTED"
	case stateAuthenticating:
		return "AUTHENTICATING"
	case stateConnected:
		return "CONNECTED"
	case stateDisconnecting:
		return "DISCONNECTING"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// lastWill is the MESSAGE a connection asks the broker to synthesize and
// distribute on its behalf if the socket drops without a graceful
// DISCONNECT.
type lastWill struct {
	destination string
	payload     []byte
}

// connection is one accepted socket running the protocol state machine. It
// implements registry.Subscriber so the registry can enqueue onto it
// directly.
type connection struct {
	id       uint64
	conn     transport.Conn
	codec    codec.Codec
	b        *Broker
	clientID string

	state int32 // atomic connState

	will   *lastWill
	willMu sync.Mutex

	limiter *rate.Limiter

	queue *sendQueue

	connectedAt time.Time
	closeOnce   sync.Once
	done        chan struct{} // closed once teardown has fully completed

	forced   atomic.Value // closeReason, set by fail() to override readLoop's own diagnosis
}

var connIDSeq uint64

func nextConnID() uint64 {
	return atomic.AddUint64(&connIDSeq, 1)
}

// ID satisfies registry.Subscriber.
func (c *connection) ID() uint64 { return c.id }

// Enqueue satisfies registry.Subscriber: push onto this connection's send
// queue. Called from Registry.Deliver, possibly from a goroutine other
// than this connection's own reader.
func (c *connection) Enqueue(m *message.Message) {
	var handle *storage.Handle
	if v, ok := c.b.handles.Load(m); ok {
		h := v.(storage.Handle)
		handle = &h
	}
	c.queue.push(outboundItem{msg: m, handle: handle})
}

func (c *connection) setState(s connState) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *connection) getState() connState {
	return connState(atomic.LoadInt32(&c.state))
}

// releaseMessage decrements m's refcount and, if this connection held the
// last reference and a handle was attached, frees the backing storage
// slot. Used both by the normal drain path and the back-pressure drop
// path so a dropped message still gives up its storage.
func (c *connection) releaseMessage(item outboundItem) {
	if !item.msg.Release() {
		return
	}
	c.b.handles.Delete(item.msg)
	if item.handle != nil {
		if err := c.b.storage.Free(*item.handle); err != nil && !errors.Is(err, storage.ErrHandleStale) {
			c.b.logger.Warn().Err(err).Str("handle", item.handle.String()).Msg("failed to free storage handle")
		}
	}
}

// sendOne is the sendQueue drain callback: encode and write one message.
func (c *connection) sendOne(item outboundItem) {
	defer c.releaseMessage(item)

	if err := c.codec.Encode(c.conn, item.msg); err != nil {
		c.b.logger.Debug().Err(err).Uint64("conn", c.id).Msg("encode failed, closing connection")
		c.fail(reasonWriteError)
		return
	}
	c.b.metrics.MessagesSent.Inc()
}

// onDrop is the sendQueue back-pressure callback.
func (c *connection) onDrop(item outboundItem) {
	c.b.metrics.SlowConsumerDrops.Inc()
	c.releaseMessage(item)
}

type closeReason string

const (
	reasonClientDisconnect closeReason = "client_disconnect"
	reasonAuthReject       closeReason = "auth_reject"
	reasonReadError        closeReason = "read_error"
	reasonWriteError       closeReason = "write_error"
	reasonProtocolError    closeReason = "protocol_error"
	reasonIdleTimeout      closeReason = "idle_timeout"
	reasonConnectTimeout   closeReason = "connect_timeout"
	reasonServerShutdown   closeReason = "server_shutdown"
)

// serve runs the full lifecycle of one accepted connection: read frames,
// dispatch them through the state machine, and on exit run the
// DISCONNECTING -> CLOSED teardown (clear registry membership, apply
// last-will, drain or drop the send queue).
func (c *connection) serve() {
	c.b.metrics.ConnectionsTotal.Inc()
	reader := bufio.NewReader(c.conn)

	reason := c.readLoop(reader)
	c.teardown(reason)
}

func (c *connection) readLoop(r io.Reader) closeReason {
	c.setState(stateAccepted)

	for {
		authenticating := c.getState() == stateAccepted || c.getState() == stateAuthenticating
		deadline := c.b.cfg.TimeoutIdle
		if authenticating {
			deadline = c.b.cfg.TimeoutConnect
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))

		m, err := c.codec.Decode(r)
		if err != nil {
			if forced := c.forcedReason(); forced != "" {
				return forced
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if authenticating {
					return reasonConnectTimeout
				}
				return reasonIdleTimeout
			}
			if errors.Is(err, codec.ErrConnectionClosed) {
				return reasonReadError
			}
			c.b.logger.Debug().Err(err).Uint64("conn", c.id).Msg("decode error")
			return reasonProtocolError
		}
		c.b.metrics.MessagesReceived.Inc()

		if c.limiter != nil && !c.limiter.Allow() {
			c.b.metrics.RateLimitedFrames.Inc()
			continue
		}

		if done, reason := c.dispatch(m); done {
			return reason
		}
	}
}

// dispatch applies one decoded frame to the state machine. It returns
// (true, reason) when the connection should stop reading.
func (c *connection) dispatch(m *message.Message) (bool, closeReason) {
	switch c.getState() {
	case stateAccepted:
		if m.Type != message.Connect {
			return true, reasonProtocolError
		}
		c.setState(stateAuthenticating)
		return c.handleConnect(m)

	case stateConnected:
		switch m.Type {
		case message.Subscribe:
			c.handleSubscribe(m)
		case message.Unsubscribe:
			c.handleUnsubscribe(m)
		case message.Publish:
			c.handlePublish(m)
		case message.Ping:
			c.handlePing()
		case message.Disconnect:
			return true, reasonClientDisconnect
		default:
			return true, reasonProtocolError
		}
		return false, ""

	default:
		return true, reasonProtocolError
	}
}

func (c *connection) handleConnect(m *message.Message) (bool, closeReason) {
	user, _ := m.Header("user")
	secret, _ := m.Header("secret")
	clientID, _ := m.Header("client_id")

	if c.b.cfg.AuthUser != "" && (user != c.b.cfg.AuthUser || secret != c.b.cfg.AuthSecret) {
		ack := message.New(message.ConnectAck, "", nil)
		ack.SetHeader("success", "0")
		_ = c.codec.Encode(c.conn, ack)
		c.b.metrics.ConnectionsFailed.Inc()
		return true, reasonAuthReject
	}

	c.clientID = clientID
	if willDest, ok := m.Header("will_destination"); ok && willDest != "" {
		c.willMu.Lock()
		c.will = &lastWill{destination: willDest, payload: []byte(m.Headers["will_payload"])}
		c.willMu.Unlock()
	}

	c.setState(stateConnected)
	c.connectedAt = time.Now()
	c.b.metrics.ConnectionsActive.Inc()

	ack := message.New(message.ConnectAck, "", nil)
	ack.SetHeader("success", "1")
	if err := c.codec.Encode(c.conn, ack); err != nil {
		return true, reasonWriteError
	}
	return false, ""
}

func (c *connection) destinationsOf(m *message.Message) []string {
	dests := []string{m.Destination}
	if extra, ok := m.Header("additional_destinations"); ok && extra != "" {
		dests = append(dests, strings.Split(extra, ",")...)
	}
	return dests
}

func (c *connection) handleSubscribe(m *message.Message) {
	dests := c.destinationsOf(m)
	c.b.registry.Subscribe(c, dests)

	ack := message.New(message.SubscribeAck, "", nil)
	if pid, ok := m.Header("packet_id"); ok {
		ack.SetHeader("packet_id", pid)
	}
	if err := c.codec.Encode(c.conn, ack); err != nil {
		c.fail(reasonWriteError)
	}

	for _, d := range dests {
		c.b.flushPending(d, c)
	}
}

func (c *connection) handleUnsubscribe(m *message.Message) {
	for _, d := range c.destinationsOf(m) {
		c.b.registry.Unsubscribe(c, d)
	}
	ack := message.New(message.UnsubscribeAck, "", nil)
	if pid, ok := m.Header("packet_id"); ok {
		ack.SetHeader("packet_id", pid)
	}
	if err := c.codec.Encode(c.conn, ack); err != nil {
		c.fail(reasonWriteError)
	}
}

func (c *connection) handlePublish(m *message.Message) {
	err := c.b.publish(m.Destination, m.Payload, m.Headers)

	ack := message.New(message.PublishAck, "", nil)
	if err != nil {
		ack.SetHeader("success", "0")
	} else {
		ack.SetHeader("success", "1")
	}
	if err := c.codec.Encode(c.conn, ack); err != nil {
		c.fail(reasonWriteError)
	}
}

func (c *connection) handlePing() {
	ack := message.New(message.PingAck, "", nil)
	if err := c.codec.Encode(c.conn, ack); err != nil {
		c.fail(reasonWriteError)
	}
}

func (c *connection) forcedReason() closeReason {
	if v := c.forced.Load(); v != nil {
		return v.(closeReason)
	}
	return ""
}

// fail marks the connection for teardown from a context that cannot
// itself return out of readLoop (e.g. a send-queue worker whose write
// failed, or Broker.Shutdown).
// Closing the socket makes the next Decode in readLoop return
// ErrConnectionClosed (or a wrapped "use of closed connection" error),
// which unwinds readLoop normally; forced records the reason so readLoop
// reports it instead of misdiagnosing a server-initiated close as a read
// error.
func (c *connection) fail(reason closeReason) {
	c.forced.Store(reason)
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// teardown implements DISCONNECTING -> CLOSED: clear registry membership,
// apply last-will (unless the client disconnected gracefully or the broker
// is shutting down), and drain
// or drop the send queue within the configured deadline.
func (c *connection) teardown(reason closeReason) {
	wasConnected := c.getState() == stateConnected
	c.setState(stateDisconnecting)
	c.b.registry.ClearConnection(c)

	if reason != reasonClientDisconnect && reason != reasonServerShutdown {
		c.willMu.Lock()
		will := c.will
		c.willMu.Unlock()
		if will != nil {
			c.b.publish(will.destination, will.payload, nil)
		}
	}

	deadline := time.After(c.b.cfg.TimeoutDrain)
	ticker := time.NewTicker(time.Millisecond)
drain:
	for c.queue.depth() > 0 {
		select {
		case <-deadline:
			break drain
		case <-ticker.C:
		}
	}
	ticker.Stop()

	for _, item := range c.queue.popAll() {
		c.releaseMessage(item)
	}

	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
	c.setState(stateClosed)
	if wasConnected {
		c.b.metrics.ConnectionsActive.Dec()
	}
	initiatedBy := "client"
	if reason == reasonServerShutdown {
		initiatedBy = "server"
	} else if reason == reasonReadError || reason == reasonWriteError || reason == reasonProtocolError || reason == reasonAuthReject || reason == reasonIdleTimeout || reason == reasonConnectTimeout {
		initiatedBy = "broker"
	}
	c.b.metrics.ObserveDisconnect(string(reason), initiatedBy, time.Since(c.connectedAt))
	c.b.forgetConnection(c)
	close(c.done)
}
