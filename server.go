package smtp4j

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// Listener receives lifecycle and delivery events from a Server. All three
// methods must be safe to call concurrently and must not block: listeners
// are called one after another on the goroutine that raised the event, so
// a slow or panicking listener stalls every later listener and the
// session that triggered the notification.
type Listener interface {
	NotifyStart(srv *Server)
	NotifyClose(srv *Server)
	NotifyMessage(srv *Server, msg *Message)
}

// wellKnownSMTPPort is tried first when Config.Port is <= 0, before
// scanning upward from dynamicPortFloor.
const (
	wellKnownSMTPPort = 25
	dynamicPortFloor  = 1024
	dynamicPortCeil   = 65535
)

// Server is the listener/acceptor (C9): it binds a socket, runs one accept
// loop, and dispatches one goroutine per connection to run a Session. It
// is grounded on gopistolet-gopistolet's Server.Serve accept loop for the
// bind-and-accept shape, and on smtpd/control.go's Control/StartServer for
// the lifecycle (start, idempotent close, wait for sessions to drain)
// adapted from a signal-driven daemon down to a plain embeddable type.
type Server struct {
	cfg *Config

	mu       sync.Mutex
	ln       net.Listener
	addr     net.Addr
	closed   bool
	sessions sync.WaitGroup

	// connsMu/conns is the socket tracker from spec 4.9/5: a thread-safe
	// set of live per-connection sockets, so Close can force them all
	// shut and unblock any session parked in a read that would otherwise
	// never see EOF (an idle peer with no SocketTimeout configured).
	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	listenersMu sync.Mutex
	listeners   []Listener

	mailbox   chan *Message
	mailboxMu sync.Mutex
	closedCh  chan struct{}
}

// NewServer constructs a Server from cfg. It does not bind a socket: call
// Start for that.
func NewServer(cfg *Config) *Server {
	return &Server{
		cfg:      cfg,
		conns:    make(map[net.Conn]struct{}),
		mailbox:  make(chan *Message, 64),
		closedCh: make(chan struct{}),
	}
}

// Start binds the configured port (or picks one dynamically) and launches
// the accept loop in a new goroutine. It returns once the socket is bound,
// so Addr is valid immediately after a successful Start.
func (s *Server) Start() error {
	ln, err := s.bind()
	if err != nil {
		return fmt.Errorf("smtp4j: start: %w", err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.mu.Lock()
	s.ln = ln
	s.addr = ln.Addr()
	s.mu.Unlock()

	go s.acceptLoop(ln)
	s.notifyStart()
	return nil
}

// bind implements the dynamic port search from spec 4.9: a configured port
// <= 0 tries the well-known SMTP port first, then scans upward from 1024
// for the first free port.
func (s *Server) bind() (net.Listener, error) {
	if s.cfg.Port > 0 {
		return net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	}
	if ln, err := net.Listen("tcp", fmt.Sprintf(":%d", wellKnownSMTPPort)); err == nil {
		return ln, nil
	}
	for port := dynamicPortFloor; port <= dynamicPortCeil; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no free port found")
}

// Addr returns the bound address. It is nil until Start succeeds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if fw := s.cfg.firewall(); !fw.AcceptConnection(conn.RemoteAddr()) {
			conn.Close()
			continue
		}
		s.sessions.Add(1)
		go s.runSession(conn)
	}
}

func (s *Server) runSession(conn net.Conn) {
	defer s.sessions.Done()

	if s.cfg.SocketTimeout > 0 {
		conn = &deadlineConn{Conn: conn, timeout: s.cfg.SocketTimeout}
	}

	s.trackConn(conn)
	defer s.untrackConn(conn)

	sess := newSession(s.cfg, conn, false)
	sess.onDeliver = s.deliver
	sess.Serve(context.Background())
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// closeTrackedConns force-closes every currently live connection, which
// unblocks whatever read each of their sessions is parked in (a session
// never blocks on anything but a read, a write, a TLS handshake or the
// delivery sink per spec 5, and closing the socket out from under any of
// those unblocks it with an error).
func (s *Server) closeTrackedConns() {
	s.connsMu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// deliver is the internal callback a Session invokes once a message is
// fully accepted (after any configured DeliverySink ran). It both pushes
// the message onto the mailbox for ReadMessages/MessageReader and fans it
// out to registered listeners, matching spec 6's notifyMessage(server,
// message).
func (s *Server) deliver(msg *Message) {
	select {
	case s.mailbox <- msg:
	default:
		// Mailbox full: drop the oldest to make room rather than block the
		// session goroutine forever, since there is no reader obligated to
		// drain it promptly.
		select {
		case <-s.mailbox:
		default:
		}
		s.mailbox <- msg
	}
	s.listenersMu.Lock()
	ls := append([]Listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range ls {
		l.NotifyMessage(s, msg)
	}
}

// Close shuts the server down: stop accepting, close the listening socket,
// force-close every tracked connection so blocked session reads return,
// wait for in-flight sessions to exit, then signal closedCh so every
// MessageReader channel ends after draining, and notify listeners.
// Double invocation is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.closeTrackedConns()
	s.sessions.Wait()

	close(s.closedCh)
	s.notifyClose()
	return nil
}

func (s *Server) notifyStart() {
	s.listenersMu.Lock()
	ls := append([]Listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range ls {
		l.NotifyStart(s)
	}
}

func (s *Server) notifyClose() {
	s.listenersMu.Lock()
	ls := append([]Listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range ls {
		l.NotifyClose(s)
	}
}

// AddListener registers l for lifecycle and delivery events.
func (s *Server) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters l. A no-op if l was never registered.
func (s *Server) RemoveListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// ReadMessages drains whatever is currently in the mailbox, waiting up to
// delay for at least one message to arrive if it is empty. A delay <= 0
// means "return immediately with whatever is already queued".
func (s *Server) ReadMessages(delay time.Duration) []*Message {
	var out []*Message

	select {
	case m := <-s.mailbox:
		out = append(out, m)
	default:
		if delay > 0 {
			select {
			case m := <-s.mailbox:
				out = append(out, m)
			case <-time.After(delay):
				return out
			}
		} else {
			return out
		}
	}

	for {
		select {
		case m := <-s.mailbox:
			out = append(out, m)
		default:
			return out
		}
	}
}

// deadlineConn applies Config.SocketTimeout as a rolling deadline on every
// Read, so a stalled peer aborts the connection rather than blocking its
// session goroutine forever.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// MessageReader returns a channel yielding every delivered message in
// order; it is closed once Close completes, giving callers ranging over
// it a natural end-of-stream signal per spec 6's messageReader contract.
func (s *Server) MessageReader() <-chan *Message {
	out := make(chan *Message)
	go func() {
		defer close(out)
		for {
			select {
			case m := <-s.mailbox:
				out <- m
			case <-s.closedCh:
				// Drain whatever is left before signalling end-of-stream.
				for {
					select {
					case m := <-s.mailbox:
						out <- m
					default:
						return
					}
				}
			}
		}
	}()
	return out
}
