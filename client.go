// Package cubesync implements the client half of a realtime
// document-synchronization protocol for multi-user spatial applications.
//
// A Client subscribes to named documents on a sync server, receives a full
// snapshot followed by two parallel change streams — reliable semantic
// patches and a best-effort binary fast channel for transforms — and mirrors
// local mutations back to the server as patch batches. See the package tests
// for end-to-end usage.
package cubesync

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cubesync/cubesync/document"
	"github.com/cubesync/cubesync/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

// ErrClosed is returned by operations on a destroyed client.
var ErrClosed = errors.New("cubesync: client destroyed")

// Conn is the reliable transport: an ordered, framed, bidirectional stream.
// *websocket.Conn satisfies it; tests substitute an in-memory pipe.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc establishes the reliable transport.
type DialFunc func(url string, handshakeTimeout time.Duration) (Conn, error)

func defaultDial(url string, handshakeTimeout time.Duration) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext: (&net.Dialer{
			Timeout:   handshakeTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Client maintains local replicas of subscribed documents. Construct with
// New, assign the On* callbacks, then Connect. All callbacks are invoked
// without internal locks held, so they may call back into the client.
type Client struct {
	// OnConnect fires when the reliable transport opens.
	OnConnect func()
	// OnDisconnect fires after transport loss or Disconnect, once all local
	// state has been dropped.
	OnDisconnect func()
	// OnChange fires after a full snapshot (ops nil), after a patch apply
	// (the applied ops), and after each outbound drain (the mirrored ops).
	// The document is shared state: read it, mutate only via Update.
	OnChange func(name string, doc *document.Document, ops []wire.Op)
	// OnMessage receives frames whose kind the engine does not consume.
	OnMessage func(frame map[string]any)

	cfg  Config
	log  zerolog.Logger
	dial DialFunc
	now  func() time.Time

	mu            sync.Mutex
	state         State
	conn          Conn
	gen           int // bumped by clear(); stale continuations check it
	documents     map[string]*document.Document
	changeLog     map[string][]wire.Op
	lastUpdateID  map[string]int64
	lastFullState map[string]float64
	lastLE        map[string]bool
	chunks        map[string]*chunkSet
	stats         Stats
	metrics       *metrics
	rtc           *rtcLink

	lastInterpolate time.Time

	gapWarn        *rate.Limiter
	reconnectTimer *time.Timer
	stopCh         chan struct{}
	closed         bool
}

// New creates a client. Timers (outbound drain, stats, ping) start
// immediately; they act only while connected.
func New(cfg Config) *Client {
	cfg.fillDefaults()
	c := &Client{
		cfg:           cfg,
		log:           cfg.logger(),
		dial:          defaultDial,
		now:           time.Now,
		documents:     map[string]*document.Document{},
		changeLog:     map[string][]wire.Op{},
		lastUpdateID:  map[string]int64{},
		lastFullState: map[string]float64{},
		lastLE:        map[string]bool{},
		chunks:        map[string]*chunkSet{},
		metrics:       newMetrics(),
		gapWarn:       rate.NewLimiter(rate.Every(time.Second), 5),
		stopCh:        make(chan struct{}),
	}
	go c.runTimers()
	return c
}

// Connect dials the server. Safe to call repeatedly; a non-idle client is
// left alone.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	url := c.cfg.URL
	timeout := c.cfg.HandshakeTimeout
	dial := c.dial
	c.mu.Unlock()

	conn, err := dial(url, timeout)

	c.mu.Lock()
	if c.closed || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if err == nil {
			return nil
		}
		return err
	}
	if err != nil {
		c.state = StateIdle
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("connect failed")
		return err
	}
	c.conn = conn
	c.state = StateConnected
	gen := c.gen
	if c.cfg.AllowRTC {
		c.startRTCLocked()
	}
	c.mu.Unlock()

	c.log.Info().Str("url", url).Msg("connected")
	go c.readLoop(conn, gen)
	if c.OnConnect != nil {
		c.OnConnect()
	}
	return nil
}

// Disconnect closes the transport and drops all replicated state. No
// automatic reconnect follows a deliberate disconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	link := c.teardownLocked()
	c.mu.Unlock()

	if link != nil {
		link.close()
	}
	if conn != nil {
		conn.Close()
	}
	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}
}

// Destroy disconnects and stops the timers. The client cannot be reused.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	close(c.stopCh)
}

// Subscribe creates an empty local replica and asks the server for the
// document. The replica fills in when the full snapshot arrives.
func (c *Client) Subscribe(name string) {
	c.mu.Lock()
	doc, ok := c.documents[name]
	if !ok {
		doc = document.New(name)
		c.documents[name] = doc
	}
	if c.cfg.AllowSync {
		doc.SetObserver(c.observerFor(name), c.cfg.ExcludedFields)
	}
	c.sendFrameLocked(map[string]any{"c": "sub", "n": name})
	c.mu.Unlock()
}

// Unsubscribe tells the server to stop streaming the document and drops the
// local replica.
func (c *Client) Unsubscribe(name string) {
	c.mu.Lock()
	c.sendFrameLocked(map[string]any{"c": "unsub", "n": name})
	delete(c.documents, name)
	delete(c.changeLog, name)
	delete(c.lastUpdateID, name)
	delete(c.lastFullState, name)
	delete(c.lastLE, name)
	c.mu.Unlock()
}

// Send transmits an application-level frame over the reliable channel.
// Silently ignored while disconnected.
func (c *Client) Send(frame map[string]any) {
	c.mu.Lock()
	c.sendFrameLocked(frame)
	c.mu.Unlock()
}

// Document returns the replica for name. The document is only safe to read
// from callbacks or between them; mutate via Update.
func (c *Client) Document(name string) (*document.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.documents[name]
	return doc, ok
}

// Update runs fn against the named document under the client lock. Mutations
// made through the document's Set/Delete are observed and mirrored to the
// server on the next tick (when AllowSync is on).
func (c *Client) Update(name string, fn func(doc *document.Document)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.documents[name]
	if !ok {
		return false
	}
	fn(doc)
	return true
}

// Stats returns a snapshot of the bandwidth counters and clock estimates.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MetricsRegistry exposes this client's Prometheus collectors for scraping.
func (c *Client) MetricsRegistry() *prometheus.Registry {
	return c.metrics.registry
}

// observerFor builds the change hook that records local mutations for the
// outbound drain. It runs under the client lock (mutations come through
// Update).
func (c *Client) observerFor(name string) document.ChangeFunc {
	return func(kind document.ChangeKind, path string, value any) {
		op := wire.Op{Op: wire.OpReplace, Path: path, Value: value}
		if kind == document.Remove {
			op.Op = wire.OpRemove
		}
		c.changeLog[name] = append(c.changeLog[name], op)
	}
}

// readLoop pumps inbound frames until the transport dies. gen identifies the
// connection epoch: once clear() has run, late continuations are discarded.
func (c *Client) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.transportClosed(conn, gen, err)
			return
		}
		frame, derr := wire.Unmarshal(data)

		c.mu.Lock()
		if c.gen != gen || c.conn != conn {
			c.mu.Unlock()
			return
		}
		c.stats.Rec += int64(len(data))
		c.metrics.bytesRec.Add(float64(len(data)))
		if derr != nil {
			c.metrics.decodeErrors.Inc()
			c.mu.Unlock()
			c.log.Warn().Err(derr).Msg("dropping undecodable frame")
			continue
		}
		notes := c.handleFrame(frame, c.now())
		c.mu.Unlock()

		for _, fn := range notes {
			fn()
		}
	}
}

// transportClosed runs the failure path: clear state, notify, schedule a
// jittered reconnect.
func (c *Client) transportClosed(conn Conn, gen int, err error) {
	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.log.Warn().Err(err).Msg("transport closed")
	c.metrics.reconnects.Inc()
	link := c.teardownLocked()
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if link != nil {
		link.close()
	}
	conn.Close()
	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}
}

// teardownLocked detaches the transports and clears all replicated state.
// The returned rtc link must be closed by the caller after releasing the
// lock: closing the peer connection can block on callbacks that themselves
// take the client lock.
func (c *Client) teardownLocked() *rtcLink {
	link := c.rtc
	c.rtc = nil
	c.conn = nil
	c.state = StateIdle
	c.clearLocked()
	return link
}

// clearLocked zeroes stats and drops documents, pending changes, chunk
// buffers and fast-channel cursors. Bumping gen invalidates in-flight work
// from the previous connection.
func (c *Client) clearLocked() {
	c.gen++
	c.stats = Stats{}
	c.documents = map[string]*document.Document{}
	c.changeLog = map[string][]wire.Op{}
	c.lastUpdateID = map[string]int64{}
	c.lastFullState = map[string]float64{}
	c.lastLE = map[string]bool{}
	c.chunks = map[string]*chunkSet{}
}

func (c *Client) scheduleReconnectLocked() {
	if !c.cfg.AutoReconnect || c.closed {
		return
	}
	delay := reconnectDelay()
	c.log.Info().Dur("delay", delay).Msg("scheduling reconnect")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if err := c.Connect(); err != nil {
			c.log.Debug().Err(err).Msg("reconnect attempt failed")
		}
	})
}

// reconnectDelay returns 500 ms plus up to 500 ms of jitter so a herd of
// clients doesn't re-dial in lockstep.
func reconnectDelay() time.Duration {
	return 500*time.Millisecond + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
}

// sendFrameLocked encodes and writes one frame to the reliable channel.
// Called with the client lock held; silently drops when disconnected.
func (c *Client) sendFrameLocked(frame map[string]any) {
	if c.conn == nil || c.state != StateConnected {
		return
	}
	data, err := wire.Marshal(frame)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping unencodable frame")
		return
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		// The read loop observes the same failure and runs the teardown.
		c.log.Debug().Err(err).Msg("write failed")
		return
	}
	c.stats.Send += int64(len(data))
	c.metrics.bytesSent.Add(float64(len(data)))
}

// runTimers drives the outbound drain, the stats rollover and the ping
// probe. One goroutine for all three keeps state transitions ordered.
func (c *Client) runTimers() {
	tick := time.NewTicker(c.cfg.TickInterval)
	stats := time.NewTicker(c.cfg.StatsInterval)
	ping := time.NewTicker(c.cfg.PingInterval)
	defer tick.Stop()
	defer stats.Stop()
	defer ping.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-tick.C:
			c.flushChanges()
		case <-stats.C:
			c.rolloverStats()
		case <-ping.C:
			c.sendPing()
		}
	}
}

// flushChanges drains the pending change log into one sync frame per
// document and notifies the host of what was mirrored.
func (c *Client) flushChanges() {
	var notes []func()

	c.mu.Lock()
	// Timestamps travel as integers: the frame codec shrinks floats to 32
	// bits, which cannot hold epoch milliseconds.
	nowMs := c.now().UnixMilli()
	for name, ops := range c.changeLog {
		if len(ops) == 0 {
			continue
		}
		wireOps := make([]any, len(ops))
		for i, op := range ops {
			wireOps[i] = op.WireForm()
		}
		c.sendFrameLocked(map[string]any{"c": "sync", "n": name, "ct": nowMs, "p": wireOps})
		delete(c.changeLog, name)

		if c.OnChange != nil {
			doc := c.documents[name]
			sent := ops
			docName := name
			notes = append(notes, func() { c.OnChange(docName, doc, sent) })
		}
	}
	c.mu.Unlock()

	for _, fn := range notes {
		fn()
	}
}

func (c *Client) rolloverStats() {
	c.mu.Lock()
	c.stats.rollover(c.cfg.StatsInterval.Seconds())
	c.evictStaleChunksLocked(c.now())
	c.mu.Unlock()
}

func (c *Client) sendPing() {
	c.mu.Lock()
	if c.state == StateConnected {
		c.sendFrameLocked(map[string]any{"c": "ping", "ct": c.now().UnixMilli()})
	}
	c.mu.Unlock()
}
