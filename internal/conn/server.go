package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// AcceptFunc receives every freshly accepted session. The callee assigns
// an owner and calls Start.
type AcceptFunc func(s *Session)

// Server accepts clients over raw TCP and over websockets and hands the
// resulting sessions to a single accept callback.
type Server struct {
	log       *zap.Logger
	accept    AcceptFunc
	maxConns  int
	highWater int

	tcpLn  net.Listener
	httpLn net.Listener
	httpSv *http.Server
}

// NewServer creates a connection server. maxConns bounds concurrent TCP
// clients (zero means unlimited); highWater is each session's outbound
// queue mark.
func NewServer(accept AcceptFunc, maxConns, highWater int, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, accept: accept, maxConns: maxConns, highWater: highWater}
}

// ListenAndServe binds the given addresses and serves until ctx is
// cancelled. wsAddr may be empty to disable the websocket listener.
func (s *Server) ListenAndServe(ctx context.Context, tcpAddr, wsAddr string) error {
	g, ctx := errgroup.WithContext(ctx)

	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", tcpAddr, err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	s.tcpLn = ln
	s.log.Info("listening", zap.String("proto", "tcp"), zap.String("addr", tcpAddr))

	g.Go(func() error { return s.serveTCP(ctx, ln) })

	if wsAddr != "" {
		wsLn, err := net.Listen("tcp", wsAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to bind %s: %w", wsAddr, err)
		}
		s.httpLn = wsLn
		s.log.Info("listening", zap.String("proto", "ws"), zap.String("addr", wsAddr))
		g.Go(func() error { return s.serveWS(ctx, wsLn) })
	}

	g.Go(func() error {
		<-ctx.Done()
		s.Shutdown()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes the listeners. Already-accepted sessions are left to
// their owners; the driver closes them during its own shutdown.
func (s *Server) Shutdown() {
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
	if s.httpSv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSv.Shutdown(ctx)
	} else if s.httpLn != nil {
		_ = s.httpLn.Close()
	}
}

func (s *Server) serveTCP(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		sess := NewSession(newTCPTransport(c), nil, s.highWater, s.log)
		s.log.Info("connection accepted",
			zap.String("session", sess.ID()), zap.String("remote", sess.RemoteAddr()))
		s.accept(sess)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; auth happens in-band.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) serveWS(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		sess := NewSession(newWSTransport(ws), nil, s.highWater, s.log)
		s.log.Info("connection accepted",
			zap.String("session", sess.ID()), zap.String("remote", sess.RemoteAddr()))
		s.accept(sess)
	})
	s.httpSv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	err := s.httpSv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// tcpTransport frames a raw TCP stream into lines.
type tcpTransport struct {
	conn net.Conn
	rd   *bufio.Reader
	wr   *bufio.Writer
}

func newTCPTransport(c net.Conn) *tcpTransport {
	return &tcpTransport{conn: c, rd: bufio.NewReader(c), wr: bufio.NewWriter(c)}
}

func (t *tcpTransport) ReadLine() (string, error) {
	line, err := t.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *tcpTransport) WriteLine(line string) error {
	if _, err := t.wr.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return t.wr.Flush()
}

func (t *tcpTransport) Close() error         { return t.conn.Close() }
func (t *tcpTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// wsTransport carries one line per websocket text message.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(c *websocket.Conn) *wsTransport { return &wsTransport{conn: c} }

func (t *wsTransport) ReadLine() (string, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

func (t *wsTransport) WriteLine(line string) error {
	return t.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (t *wsTransport) Close() error         { return t.conn.Close() }
func (t *wsTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
