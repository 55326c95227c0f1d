package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pigeon/protocol"
	"pigeon/store"
)

// outboundQueueSize bounds the per-session frame queue. A recipient that
// cannot keep up loses the push attempt, not the message: delivery falls
// back to the inbox.
const outboundQueueSize = 64

type Server struct {
	store    store.Store
	codec    protocol.Codec
	config   *Config
	log      *zap.Logger
	limiters *LimiterStore
	handlers map[protocol.Command]handlerFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	listener net.Listener
	closing  bool
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimitPerMinute caps commands per client address; zero disables
	// limiting.
	RateLimitPerMinute int
	RateBurst          int
}

// Session is the state of one live connection: the authenticated username
// (empty until login) and the outbound frame queue drained by the session's
// writer goroutine. All writes to the socket go through that queue, so a
// handler never writes to a socket owned by another connection's worker.
type Session struct {
	conn net.Conn
	out  chan *protocol.Frame
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	username string
}

func newSession(conn net.Conn) *Session {
	return &Session{
		conn: conn,
		out:  make(chan *protocol.Frame, outboundQueueSize),
		done: make(chan struct{}),
	}
}

func (sess *Session) user() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.username
}

func (sess *Session) setUser(username string) {
	sess.mu.Lock()
	sess.username = username
	sess.mu.Unlock()
}

// signalClose tells the writer to flush what is queued and tear the
// connection down. Safe to call from any goroutine, any number of times.
func (sess *Session) signalClose() {
	sess.once.Do(func() { close(sess.done) })
}

// enqueue queues a frame for this session's own worker. It blocks until the
// writer accepts the frame or the session is going down.
func (sess *Session) enqueue(f *protocol.Frame) bool {
	select {
	case sess.out <- f:
		return true
	case <-sess.done:
		return false
	}
}

// tryEnqueue is the bounded cross-session push used by the delivery engine.
// It never blocks the sending worker: a full queue or a dying session is a
// failed push.
func (sess *Session) tryEnqueue(f *protocol.Frame) bool {
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.out <- f:
		return true
	default:
		return false
	}
}

func New(st store.Store, codec protocol.Codec, config *Config, log *zap.Logger) *Server {
	s := &Server{
		store:    st,
		codec:    codec,
		config:   config,
		log:      log,
		sessions: make(map[string]*Session),
	}
	if config.RateLimitPerMinute > 0 {
		s.limiters = NewLimiterStore(config.RateLimitPerMinute, config.RateBurst, 5*time.Minute)
	}
	s.handlers = map[protocol.Command]handlerFunc{
		protocol.CmdLogin:     s.handleLogin,
		protocol.CmdCreate:    s.handleCreate,
		protocol.CmdSend:      s.handleSend,
		protocol.CmdRead:      s.handleRead,
		protocol.CmdList:      s.handleList,
		protocol.CmdDeleteMsg: s.handleDeleteMsg,
		protocol.CmdViewConv:  s.handleViewConv,
		protocol.CmdDeleteAcc: s.handleDeleteAcc,
		protocol.CmdLogoff:    s.handleLogoff,
	}
	return s
}

// Start accepts connections until the listener is closed. The accept loop
// only accepts and dispatches; it never blocks on a connection worker.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.Info("server started", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	s.log.Info("client connected", zap.String("addr", remoteAddr))

	sess := newSession(conn)
	go s.writeLoop(sess)

	defer func() {
		if username := sess.user(); username != "" {
			s.unregister(username, sess)
			s.log.Info("client disconnected", zap.String("addr", remoteAddr), zap.String("user", username))
		} else {
			s.log.Info("client disconnected", zap.String("addr", remoteAddr))
		}
		sess.signalClose()
	}()

	var limiter commandLimiter = allowAll{}
	if s.limiters != nil {
		limiter = s.limiters.ForAddr(remoteAddr)
	}

	reader := bufio.NewReader(conn)
	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		f, err := s.codec.Decode(reader)
		if err != nil {
			if protocol.Recoverable(err) {
				sess.enqueue(&protocol.Frame{Cmd: protocol.CmdError, Body: err.Error(), Error: true})
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Info("idle timeout", zap.String("addr", remoteAddr))
			} else if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Warn("decode failed", zap.String("addr", remoteAddr), zap.Error(err))
			}
			return
		}

		if !limiter.Allow() {
			sess.enqueue(&protocol.Frame{Cmd: f.Cmd, Body: "Rate limit exceeded", Error: true})
			continue
		}

		if f.Cmd == protocol.CmdClose {
			// Any queued responses are flushed by the writer before the
			// socket is closed.
			return
		}
		s.dispatch(sess, f)
	}
}

// writeLoop is the single writer for a session's socket. On shutdown it
// flushes whatever is still queued, then closes the connection, which also
// unblocks the session's read loop.
func (s *Server) writeLoop(sess *Session) {
	defer sess.conn.Close()

	write := func(f *protocol.Frame) bool {
		if s.config.WriteTimeout > 0 {
			sess.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		if err := s.codec.Encode(sess.conn, f); err != nil {
			s.log.Warn("write failed", zap.String("addr", sess.conn.RemoteAddr().String()), zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case f := <-sess.out:
			if !write(f) {
				sess.signalClose()
				return
			}
		case <-sess.done:
			for {
				select {
				case f := <-sess.out:
					if !write(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// register claims the active-session slot for a username. It fails without
// mutating the registry when the user is already logged in elsewhere.
func (s *Server) register(username string, sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[username]; ok {
		return false
	}
	s.sessions[username] = sess
	return true
}

// unregister removes the registry entry only if it still belongs to this
// session, so a stale worker cannot evict a fresh login.
func (s *Server) unregister(username string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[username]; ok && current == sess {
		delete(s.sessions, username)
	}
}

func (s *Server) getSession(username string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[username]
	return sess, ok
}

// Shutdown notifies every connected client, tears their sessions down and
// stops the accept loop.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	s.closing = true
	listener := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.tryEnqueue(&protocol.Frame{Cmd: protocol.CmdClose, Body: reason})
		sess.signalClose()
	}
	if s.limiters != nil {
		s.limiters.Stop()
	}
	if listener != nil {
		listener.Close()
	}
}

// Stats returns server statistics as a formatted string.
func (s *Server) Stats() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.sessions))
	for username := range s.sessions {
		users = append(users, username)
	}
	return "connections=" + strconv.Itoa(len(users)) + ",users=" + strings.Join(users, ";")
}
