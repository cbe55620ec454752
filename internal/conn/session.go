package conn

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// protocolErrorLimit disconnects a client after this many malformed
// frames. Plain text never counts against it.
const protocolErrorLimit = 32

// Transport is one bidirectional line-oriented connection. Implementations
// exist for raw TCP and for websockets.
type Transport interface {
	// ReadLine blocks for the next inbound line, without the trailing
	// newline. NUL-prefixed lines are tagged frames.
	ReadLine() (string, error)
	// WriteLine writes one line and its terminator.
	WriteLine(line string) error
	Close() error
	RemoteAddr() net.Addr
}

// Owner receives a session's inbound events. The login flow owns a session
// first; the driver takes over once the player enters the world.
type Owner interface {
	OnLine(s *Session, line string)
	OnFrame(s *Session, tag Tag, payload json.RawMessage)
	OnDisconnect(s *Session)
}

type outMsg struct {
	tag  Tag // empty for plain text
	line string
}

// Session is one connected client. Reads and writes each run on their own
// goroutine; Send* methods only enqueue and never block on the network.
type Session struct {
	id        string
	transport Transport
	log       *zap.Logger

	mu        sync.Mutex
	owner     Owner
	queue     []outMsg
	highWater int
	closed    bool
	started   bool
	protoErrs int

	// TIME bookkeeping, guarded by mu.
	lastTimeSent time.Time
	lastRTT      time.Duration

	hostOnce sync.Once
	host     string

	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSession wraps a transport. The session is inert until Start.
func NewSession(t Transport, owner Owner, highWater int, log *zap.Logger) *Session {
	if highWater <= 0 {
		highWater = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		id:        uuid.NewString(),
		transport: t,
		log:       log,
		owner:     owner,
		highWater: highWater,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// SetOwner redirects inbound events. Used at the login-to-driver handoff
// and again on takeover.
func (s *Session) SetOwner(o Owner) {
	s.mu.Lock()
	s.owner = o
	s.mu.Unlock()
}

// RemoteAddr returns the peer address string.
func (s *Session) RemoteAddr() string {
	if a := s.transport.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}

// RemoteHost resolves the peer's hostname. The reverse lookup happens at
// most once, on first call, and loopback peers skip it entirely.
func (s *Session) RemoteHost() string {
	s.hostOnce.Do(func() {
		addr := s.RemoteAddr()
		host := addr
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		s.host = host
		ip := net.ParseIP(host)
		if ip == nil || ip.IsLoopback() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		names, err := net.DefaultResolver.LookupAddr(ctx, host)
		if err == nil && len(names) > 0 {
			s.host = strings.TrimSuffix(names[0], ".")
		}
	})
	return s.host
}

// RTT returns the most recent keepalive round trip, zero if none yet.
func (s *Session) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRTT
}

// Start launches the read and write loops. keepalive <= 0 disables TIME
// keepalives.
func (s *Session) Start(keepalive time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	if keepalive > 0 {
		s.wg.Add(1)
		go s.keepaliveLoop(ctx, keepalive)
	}
}

// SendLine enqueues plain game text.
func (s *Session) SendLine(text string) {
	s.enqueue(outMsg{line: text})
}

// SendFrame enqueues a tagged frame. Encoding failures are logged and
// dropped; a bad payload must not kill the session.
func (s *Session) SendFrame(tag Tag, payload any) {
	line, err := EncodeFrame(tag, payload)
	if err != nil {
		s.log.Warn("dropping unencodable frame",
			zap.String("session", s.id), zap.String("tag", string(tag)), zap.Error(err))
		return
	}
	s.enqueue(outMsg{tag: tag, line: line})
}

func (s *Session) enqueue(m outMsg) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, m)
	if len(s.queue) > s.highWater {
		s.shedLocked()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// shedLocked drops queued discardable frames, oldest first, until the
// queue is back under the high-water mark. Plain text and non-discardable
// frames are never dropped.
func (s *Session) shedLocked() {
	dropped := 0
	kept := s.queue[:0]
	for _, m := range s.queue {
		if len(s.queue)-dropped > s.highWater && m.tag != "" && Discardable(m.tag) {
			dropped++
			continue
		}
		kept = append(kept, m)
	}
	s.queue = kept
	if dropped > 0 {
		s.log.Debug("shed discardable frames under backpressure",
			zap.String("session", s.id), zap.Int("dropped", dropped))
	}
}

// writeLoop owns the transport's write side and its eventual close. On
// session close it drains whatever is queued before tearing the
// connection down, so a farewell line always reaches the wire.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer func() { _ = s.transport.Close() }()
	for {
		s.mu.Lock()
		var batch []outMsg
		batch, s.queue = s.queue, nil
		closed := s.closed
		s.mu.Unlock()

		for _, m := range batch {
			if err := s.transport.WriteLine(m.line); err != nil {
				s.Close()
				return
			}
		}
		if closed {
			return
		}
		<-s.wake
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		line, err := s.transport.ReadLine()
		if err != nil {
			s.Close()
			return
		}
		s.handleLine(line)
	}
}

func (s *Session) handleLine(line string) {
	tag, payload, plain, err := ParseLine(line)
	if err != nil {
		s.mu.Lock()
		s.protoErrs++
		n := s.protoErrs
		s.mu.Unlock()
		s.log.Debug("protocol error",
			zap.String("session", s.id), zap.Int("count", n), zap.Error(err))
		if n >= protocolErrorLimit {
			s.log.Warn("disconnecting after repeated protocol errors",
				zap.String("session", s.id), zap.String("remote", s.RemoteAddr()))
			s.Close()
		}
		return
	}

	if tag == TagTimeAck {
		s.handleTimeAck(payload)
		return
	}

	s.mu.Lock()
	owner := s.owner
	s.mu.Unlock()
	if owner == nil {
		return
	}
	if tag != "" {
		owner.OnFrame(s, tag, payload)
		return
	}
	owner.OnLine(s, plain)
}

func (s *Session) keepaliveLoop(ctx context.Context, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			s.lastTimeSent = now
			s.mu.Unlock()
			s.SendFrame(TagTime, map[string]any{"server_time": now.UnixMilli()})
		}
	}
}

// handleTimeAck records the round trip and echoes TIME_PONG so the client
// can measure its own latency.
func (s *Session) handleTimeAck(payload json.RawMessage) {
	now := time.Now()
	s.mu.Lock()
	if !s.lastTimeSent.IsZero() {
		s.lastRTT = now.Sub(s.lastTimeSent)
	}
	s.mu.Unlock()

	var ack map[string]any
	_ = json.Unmarshal(payload, &ack)
	pong := map[string]any{"server_time": now.UnixMilli()}
	if ct, ok := ack["client_time"]; ok {
		pong["client_time"] = ct
	}
	s.SendFrame(TagTimePong, pong)
}

// Close tears the session down. Safe to call from any goroutine and
// idempotent; the owner's OnDisconnect fires exactly once. Queued
// outbound lines are flushed by the write loop before the transport
// closes.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	owner := s.owner
	started := s.started
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if started {
		// Wake the write loop for its final drain; it closes the transport.
		select {
		case s.wake <- struct{}{}:
		default:
		}
	} else {
		_ = s.transport.Close()
	}
	close(s.done)
	if owner != nil {
		owner.OnDisconnect(s)
	}
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }
