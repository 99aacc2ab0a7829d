package server

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/toastsandwich/epoll-learn/static_server/pkg/pool"
	"github.com/toastsandwich/epoll-learn/static_server/pkg/timer"
)

var ErrServerClosed = errors.New("server closed")

const busyMessage = "Internal server busy"

type HTTPServerOpts struct {
	// ListenFd is a bound, listening, non-blocking socket. The server
	// takes ownership and closes it on shutdown.
	ListenFd int
	DocRoot  string

	ReadBufferSize  int
	WriteBufferSize int
	MaxFilenameLen  int

	Workers     int
	MaxRequests int
	MaxConns    int
	MaxEvents   int

	// TimeSlot is the sweep period; a connection may stay idle for three.
	TimeSlot time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

type HTTPServer struct {
	Fd int // server fd

	poller   *Poller
	notifier *Notifier
	pool     *WorkerPool
	timers   *timer.List
	env      *connEnv

	ActiveConnMap map[int]*Conn
	userCount     int

	maxConns  int
	maxEvents int
	timeSlot  time.Duration
	tick      *time.Timer
	now       func() time.Time
	log       zerolog.Logger

	mu     sync.Mutex // notifier against shutdown
	closed bool
	done   chan struct{}
}

func NewHTTPServer(opts *HTTPServerOpts) (*HTTPServer, error) {
	if opts.ListenFd < 0 {
		return nil, errors.Errorf("invalid listen fd %d", opts.ListenFd)
	}
	if opts.MaxConns <= 0 || opts.MaxEvents <= 0 || opts.TimeSlot <= 0 {
		return nil, errors.Errorf("invalid limits max_conns=%d max_events=%d time_slot=%s",
			opts.MaxConns, opts.MaxEvents, opts.TimeSlot)
	}
	if opts.ReadBufferSize <= 0 || opts.WriteBufferSize <= 0 || opts.MaxFilenameLen <= 0 {
		return nil, errors.Errorf("invalid buffer sizes read=%d write=%d filename=%d",
			opts.ReadBufferSize, opts.WriteBufferSize, opts.MaxFilenameLen)
	}
	if opts.DocRoot == "" {
		return nil, errors.New("empty doc root")
	}
	// targets are joined to the root and compared against it, both clean
	docRoot, err := filepath.Abs(opts.DocRoot)
	if err != nil {
		return nil, errors.Wrap(err, "resolve doc root")
	}

	server := &HTTPServer{
		Fd:            opts.ListenFd,
		ActiveConnMap: make(map[int]*Conn, opts.MaxConns),
		maxConns:      opts.MaxConns,
		maxEvents:     opts.MaxEvents,
		timeSlot:      opts.TimeSlot,
		now:           opts.Now,
		log:           opts.Logger,
		done:          make(chan struct{}),
	}
	if server.now == nil {
		server.now = time.Now
	}

	if err := server.setUpEPolling(); err != nil {
		return nil, err
	}

	workers, err := NewWorkerPool(opts.Workers, opts.MaxRequests, server.log.With().Str("component", "pool").Logger())
	if err != nil {
		server.poller.Close()
		server.notifier.Close()
		return nil, errors.Wrap(err, "worker pool")
	}
	server.pool = workers

	server.timers = timer.NewList(server.expire)
	server.env = &connEnv{
		docRoot:     docRoot,
		maxFilename: opts.MaxFilenameLen,
		poller:      server.poller,
		readBufs:    newBufferPool(opts.ReadBufferSize),
		writeBufs:   newBufferPool(opts.WriteBufferSize),
		log:         server.log,
	}
	return server, nil
}

func newBufferPool(size int) *pool.BufferPool {
	return pool.NewBufferPool(size, true)
}

func (s *HTTPServer) setUpEPolling() error {
	poller, err := NewPoller()
	if err != nil {
		return err
	}

	// first event always given to http server.
	if err := poller.Add(s.Fd, EVENT_IN_ET_ERR, false); err != nil {
		poller.Close()
		return err
	}

	notifier, err := NewNotifier()
	if err != nil {
		poller.Close()
		return err
	}
	if err := poller.Add(notifier.Fd(), unix.EPOLLIN, false); err != nil {
		poller.Close()
		notifier.Close()
		return err
	}

	s.poller = poller
	s.notifier = notifier
	return nil
}

func (s *HTTPServer) idleDeadline() time.Time {
	return s.now().Add(3 * s.timeSlot)
}

func (s *HTTPServer) accept() {
	for {
		cfd, sa, err := unix.Accept4(s.Fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			}
			// EMFILE and friends, try again on the next edge
			s.log.Error().Err(err).Msg("accept failed")
			return
		}

		if s.userCount >= s.maxConns {
			s.reject(cfd, sa)
			continue
		}

		conn := newConn(cfd, sa, s.env)
		if err := s.poller.Add(cfd, unix.EPOLLIN, true); err != nil {
			conn.log.Error().Err(err).Msg("register connection")
			conn.close()
			continue
		}
		s.ActiveConnMap[cfd] = conn
		s.userCount++
		conn.timer = s.timers.Add(cfd, s.idleDeadline())
		conn.log.Debug().Int("live", s.userCount).Msg("new connection")
	}
}

// reject answers a connection over the limit and drops it.
func (s *HTTPServer) reject(cfd int, sa unix.Sockaddr) {
	if _, err := unix.Write(cfd, []byte(busyMessage)); err != nil {
		s.log.Debug().Err(err).Msg("write busy message")
	}
	unix.Close(cfd)
	s.log.Warn().Str("peer", SockaddrString(sa)).Int("live", s.userCount).Msg("connection limit reached")
}

func (s *HTTPServer) onReadable(conn *Conn) {
	conn.acquire()
	if !conn.read() {
		s.CloseClient(conn.fd)
		return
	}

	conn.inFlight.Store(true)
	if err := s.pool.Submit(conn); err != nil {
		conn.inFlight.Store(false)
		conn.log.Warn().Err(err).Int("pending", s.pool.Pending()).Msg("request dropped")
		s.CloseClient(conn.fd)
		return
	}
	s.timers.Adjust(conn.timer, s.idleDeadline())
}

func (s *HTTPServer) onWritable(conn *Conn) {
	conn.acquire()
	if !conn.write() {
		s.CloseClient(conn.fd)
	}
}

// expire is the timer callback. A connection a worker is busy with gets
// another idle budget instead.
func (s *HTTPServer) expire(fd int) {
	conn, ok := s.ActiveConnMap[fd]
	if !ok {
		return
	}
	if conn.inFlight.Load() {
		conn.timer = s.timers.Add(fd, s.idleDeadline())
		return
	}
	conn.log.Debug().Msg("idle timeout")
	s.CloseClient(fd)
}

// Serve runs the event loop until shutdown is signalled or epoll fails.
// Either way every resource the server owns is released before it returns.
func (s *HTTPServer) Serve() error {
	s.log.Info().
		Int("fd", s.Fd).
		Int("workers", s.pool.N).
		Int("read_buffer", s.env.readBufs.Size()).
		Int("write_buffer", s.env.writeBufs.Size()).
		Str("root", s.env.docRoot).
		Msg("server online")

	s.tick = time.AfterFunc(s.timeSlot, func() {
		if err := s.Notify(SignalTick); err != nil && !errors.Is(err, ErrServerClosed) {
			s.log.Error().Err(err).Msg("tick")
		}
	})

	epollEvents := make([]unix.EpollEvent, s.maxEvents)
	for {
		n, err := s.poller.Wait(epollEvents, -1)
		if err != nil {
			s.shutdown()
			return err
		}

		var pending Signal
		for i := range n {
			e := epollEvents[i]
			fd := int(e.Fd)

			if fd == s.Fd {
				s.accept()
				continue
			}
			if fd == s.notifier.Fd() {
				pending |= s.notifier.Drain()
				continue
			}

			conn, ok := s.ActiveConnMap[fd]
			if !ok {
				s.log.Warn().Int("fd", fd).Msg("event for unknown fd")
				s.poller.Remove(fd)
				continue
			}

			switch {
			case e.Events&EVENT_ERR != 0:
				conn.acquire()
				s.CloseClient(fd)
			case e.Events&unix.EPOLLIN != 0:
				s.onReadable(conn)
			case e.Events&unix.EPOLLOUT != 0:
				s.onWritable(conn)
			}
		}

		if pending.Has(SignalTick) {
			if expired := s.timers.Sweep(s.now()); expired > 0 {
				s.log.Debug().Int("expired", expired).Int("live", s.userCount).Msg("sweep")
			}
			s.tick.Reset(s.timeSlot)
		}
		if pending.Has(SignalShutdown) {
			s.shutdown()
			return nil
		}
	}
}

// Notify posts a signal to the event loop. Safe from any goroutine.
func (s *HTTPServer) Notify(sig Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	return s.notifier.Notify(sig)
}

// Close asks a running Serve to shut down. Use Done to wait for it.
func (s *HTTPServer) Close() error {
	return s.Notify(SignalShutdown)
}

// Done is closed once Serve has released everything.
func (s *HTTPServer) Done() <-chan struct{} { return s.done }

// Live returns the number of open client connections. Reactor goroutine
// only, or after Done.
func (s *HTTPServer) Live() int { return s.userCount }

func (s *HTTPServer) shutdown() {
	if s.tick != nil {
		s.tick.Stop()
	}
	if dropped := s.pool.Stop(); dropped > 0 {
		s.log.Warn().Int("dropped", dropped).Msg("requests dropped at shutdown")
	}
	for fd := range s.ActiveConnMap {
		s.CloseClient(fd)
	}

	s.mu.Lock()
	s.closed = true
	s.notifier.Close()
	s.mu.Unlock()

	s.poller.Remove(s.Fd)
	s.poller.Close()
	unix.Close(s.Fd)
	s.log.Info().Msg("server stopped")
	close(s.done)
}

// CloseClient is the only way a client connection goes away.
func (s *HTTPServer) CloseClient(fd int) {
	conn, ok := s.ActiveConnMap[fd]
	if !ok {
		return
	}
	s.timers.Remove(conn.timer)
	if err := s.poller.Remove(fd); err != nil {
		conn.log.Debug().Err(err).Msg("deregister")
	}
	conn.close()
	delete(s.ActiveConnMap, fd)
	s.userCount--
	conn.log.Debug().Int("live", s.userCount).Msg("connection closed")
}
