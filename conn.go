package server

import (
	"io"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/toastsandwich/epoll-learn/static_server/pkg/pool"
	"github.com/toastsandwich/epoll-learn/static_server/pkg/timer"
)

var errReadBufferFull = errors.New("read buffer full")

// connEnv is what every connection shares with the server. Read only once
// the server is built.
type connEnv struct {
	docRoot     string
	maxFilename int

	poller    *Poller
	readBufs  *pool.BufferPool
	writeBufs *pool.BufferPool

	log zerolog.Logger
}

func OnReadable(c *Conn) (int, error) {
	totalBytes := 0
	for {
		stop, n, err := c.Recv()
		if err != nil {
			return totalBytes, err
		}
		totalBytes += n
		if stop {
			break
		}
	}
	return totalBytes, nil
}

func OnWriteable(c *Conn) (int, error) {
	totalBytes := 0
	for {
		stop, n, err := c.Send()
		if err != nil {
			return totalBytes, err
		}
		totalBytes += n
		if stop {
			break
		}
	}
	return totalBytes, nil
}

// Conn is one client socket and its HTTP state.
//
// Nothing in here is locked. Whoever holds the socket's one-shot token owns
// the Conn: the reactor until it submits the Conn to the pool, the worker
// until it re-arms the socket. inFlight publishes that hand-off.
type Conn struct {
	fd   int
	peer string
	id   uuid.UUID

	env *connEnv
	log zerolog.Logger

	timer    timer.ID // touched by the reactor only
	inFlight atomic.Bool
	broken   bool // no response could be built, close on next write event

	readBuf    []byte
	readIdx    int // bytes read
	checkedIdx int // bytes scanned by parseLine
	startLine  int // start of the line being parsed

	writeBuf []byte
	writeIdx int

	state checkState
	req   Request

	realFile string
	file     []byte // mmap of realFile
	fileSize int64

	iov           [2][]byte
	ivCount       int
	bytesToSend   int
	bytesHaveSent int
}

func newConn(fd int, sa unix.Sockaddr, env *connEnv) *Conn {
	c := &Conn{
		fd:   fd,
		peer: SockaddrString(sa),
		id:   uuid.New(),
		env:  env,
	}
	c.log = env.log.With().
		Int("fd", fd).
		Str("peer", c.peer).
		Str("conn", c.id.String()).
		Logger()

	c.readBuf = env.readBufs.GetBuffer()
	c.writeBuf = env.writeBufs.GetBuffer()
	c.reset()
	return c
}

// reset puts the connection back into its just-accepted state, used
// between keep-alive requests.
func (c *Conn) reset() {
	c.state = stateRequestLine
	c.req = Request{Headers: c.req.Headers[:0]}

	c.readIdx, c.checkedIdx, c.startLine = 0, 0, 0
	c.writeIdx = 0
	clear(c.readBuf)
	clear(c.writeBuf)

	c.realFile = ""
	c.fileSize = 0
	c.iov = [2][]byte{}
	c.ivCount = 0
	c.bytesToSend, c.bytesHaveSent = 0, 0
	c.broken = false
}

// Recv and Send both return an extra parameter to notify loop to stop
func (c *Conn) Recv() (bool, int, error) {
	if c.readIdx >= len(c.readBuf) {
		return true, 0, errReadBufferFull
	}
	n, err := unix.Read(c.fd, c.readBuf[c.readIdx:])
	if err != nil {
		switch err {
		case unix.EAGAIN:
			return true, 0, nil
		case unix.EINTR:
			return false, 0, nil
		}
		return true, 0, err
	}
	if n == 0 {
		return true, 0, io.EOF
	}
	c.readIdx += n
	return c.readIdx == len(c.readBuf), n, nil
}

func (c *Conn) Send() (bool, int, error) {
	n, err := unix.Writev(c.fd, c.iov[:c.ivCount])
	if err != nil {
		switch err {
		case unix.EAGAIN:
			return true, 0, nil
		case unix.EINTR:
			return false, 0, nil
		}
		return true, 0, err
	}
	c.bytesHaveSent += n
	c.bytesToSend -= n
	c.consume(n)
	return c.bytesToSend <= 0, n, nil
}

// consume drops n written bytes from the front of the iovecs.
func (c *Conn) consume(n int) {
	for n > 0 && c.ivCount > 0 {
		if n < len(c.iov[0]) {
			c.iov[0] = c.iov[0][n:]
			return
		}
		n -= len(c.iov[0])
		c.iov[0], c.iov[1] = c.iov[1], nil
		c.ivCount--
	}
}

// read drains the socket, edge triggered. false means no further input is
// possible: peer closed, hard error or a full buffer.
func (c *Conn) read() bool {
	if c.readIdx >= len(c.readBuf) {
		return false
	}
	n, err := OnReadable(c)
	if err != nil {
		if err != io.EOF {
			c.log.Debug().Err(err).Int("read", n).Msg("read failed")
		}
		return false
	}
	return true
}

// write sends the pending response. On EAGAIN the rest is kept and the
// socket is armed for writability. false means tear the connection down.
func (c *Conn) write() bool {
	if c.broken {
		return false
	}
	if c.bytesToSend == 0 {
		c.reset()
		c.arm(unix.EPOLLIN)
		return true
	}

	if _, err := OnWriteable(c); err != nil {
		c.log.Debug().Err(err).Int("sent", c.bytesHaveSent).Msg("write failed")
		c.unmap()
		return false
	}
	if c.bytesToSend > 0 {
		c.arm(unix.EPOLLOUT)
		return true
	}

	c.unmap()
	if c.req.KeepAlive {
		c.reset()
		c.arm(unix.EPOLLIN)
		return true
	}
	return false
}

// Process runs one protocol step on a worker and hands the socket back to
// epoll: readable if more input is needed, writable if a response is ready.
func (c *Conn) Process() {
	defer c.inFlight.Store(false) // after the re-arm, see acquire

	ret := c.processRead()
	if ret == NeedMoreInput {
		c.arm(unix.EPOLLIN)
		return
	}

	if !c.processWrite(ret) {
		c.log.Error().Stringer("outcome", ret).Msg("response does not fit write buffer")
		c.broken = true
	}
	c.arm(unix.EPOLLOUT)
}

// acquire waits out the gap between a worker re-arming the socket and
// giving up the Conn. The reactor calls it before touching a Conn that
// just produced an event.
func (c *Conn) acquire() {
	for c.inFlight.Load() {
		runtime.Gosched()
	}
}

func (c *Conn) arm(ev uint32) {
	if err := c.env.poller.Rearm(c.fd, ev); err != nil {
		c.log.Warn().Err(err).Msg("re-arm failed")
	}
}

// close releases everything the connection owns. The caller removes it
// from epoll first.
func (c *Conn) close() {
	c.unmap()
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	if c.readBuf != nil {
		c.env.readBufs.PutBuffer(c.readBuf)
		c.readBuf = nil
	}
	if c.writeBuf != nil {
		c.env.writeBufs.PutBuffer(c.writeBuf)
		c.writeBuf = nil
	}
}
