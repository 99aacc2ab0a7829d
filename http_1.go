package server

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Outcome is the result of one processing pass over a connection's input.
type Outcome int

const (
	NeedMoreInput Outcome = iota
	MalformedRequest
	ResourceMissing
	ResourceForbidden
	ResourceReady
	InternalFault

	requestComplete // headers (and body) are in, resolve the target
)

func (o Outcome) String() string {
	switch o {
	case NeedMoreInput:
		return "need-more-input"
	case MalformedRequest:
		return "malformed-request"
	case ResourceMissing:
		return "resource-missing"
	case ResourceForbidden:
		return "resource-forbidden"
	case ResourceReady:
		return "resource-ready"
	case InternalFault:
		return "internal-fault"
	case requestComplete:
		return "request-complete"
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

type checkState int

const (
	stateRequestLine checkState = iota
	stateHeaders
	stateBody
)

type lineStatus int

const (
	lineOK lineStatus = iota
	lineBad
	lineOpen
)

type status struct {
	code  int
	title string
	form  string
}

const (
	ok200Title = "OK"
	okEmpty    = "<html><body></body></html>"
)

var errorStatus = map[Outcome]status{
	MalformedRequest:  {400, "Bad Request", "Your request has bad syntax or is inherently impossible to satisfy.\n"},
	ResourceForbidden: {403, "Forbidden", "You do not have permission to get file from this server.\n"},
	ResourceMissing:   {404, "Not Found", "The requested file was not found on this server.\n"},
	InternalFault:     {500, "Internal Error", "There was an unusual problem serving the requested file.\n"},
}

var (
	methodGET = []byte("GET")
	http11    = []byte("HTTP/1.1")

	hdrConnection    = []byte("Connection")
	hdrContentLength = []byte("Content-Length")
	hdrHost          = []byte("Host")
	keepAlive        = []byte("keep-alive")
)

type header struct {
	Key   []byte
	Value []byte
}

type headers []header

func (h *headers) Add(k, v []byte) {
	*h = append(*h, header{k, v})
}

func (h headers) Get(k []byte) []byte {
	for _, header := range h {
		if bytes.EqualFold(header.Key, k) {
			return header.Value
		}
	}
	return nil
}

// Request is the parsed head of the request being read. Every slice points
// into the connection's read buffer and is valid until the next reset.
type Request struct {
	Method  []byte
	Target  []byte
	Version []byte
	Host    []byte
	Headers headers
	Body    []byte

	KeepAlive     bool
	ContentLength int
}

/*
GET /index.html HTTP/1.1\r\n
Host: localhost\r\n
Connection: keep-alive\r\n
\r\n
*/

// parseLine scans from checkedIdx for the next CRLF. The terminator is
// overwritten with zeros in place and checkedIdx moves past it.
func (c *Conn) parseLine() lineStatus {
	for ; c.checkedIdx < c.readIdx; c.checkedIdx++ {
		switch c.readBuf[c.checkedIdx] {
		case '\r':
			if c.checkedIdx+1 == c.readIdx {
				return lineOpen
			}
			if c.readBuf[c.checkedIdx+1] == '\n' {
				c.readBuf[c.checkedIdx] = 0
				c.readBuf[c.checkedIdx+1] = 0
				c.checkedIdx += 2
				return lineOK
			}
			return lineBad
		case '\n':
			if c.checkedIdx > 0 && c.readBuf[c.checkedIdx-1] == '\r' {
				c.readBuf[c.checkedIdx-1] = 0
				c.readBuf[c.checkedIdx] = 0
				c.checkedIdx++
				return lineOK
			}
			return lineBad
		}
	}
	return lineOpen
}

// getLine returns the line parseLine just completed, without terminator.
func (c *Conn) getLine() []byte {
	return c.readBuf[c.startLine : c.checkedIdx-2]
}

// processRead drives the state machine over everything read so far.
func (c *Conn) processRead() Outcome {
	for {
		if c.state == stateBody {
			if c.parseContent() {
				return c.doRequest()
			}
			return NeedMoreInput
		}

		switch c.parseLine() {
		case lineBad:
			return MalformedRequest
		case lineOpen:
			return NeedMoreInput
		}
		text := c.getLine()
		c.startLine = c.checkedIdx

		switch c.state {
		case stateRequestLine:
			if ret := c.parseRequestLine(text); ret != NeedMoreInput {
				return ret
			}
		case stateHeaders:
			switch ret := c.parseHeaders(text); ret {
			case NeedMoreInput:
			case requestComplete:
				return c.doRequest()
			default:
				return ret
			}
		default:
			return InternalFault
		}
	}
}

func (c *Conn) parseRequestLine(text []byte) Outcome {
	methodTill := bytes.IndexAny(text, " \t")
	if methodTill == -1 {
		return MalformedRequest
	}
	method := text[:methodTill]
	if !bytes.Equal(method, methodGET) {
		return MalformedRequest
	}

	rest := skipBlanks(text[methodTill+1:])
	targetTill := bytes.IndexAny(rest, " \t")
	if targetTill == -1 {
		return MalformedRequest
	}
	target := rest[:targetTill]
	version := skipBlanks(rest[targetTill+1:])
	if !bytes.Equal(version, http11) {
		return MalformedRequest
	}

	target = stripScheme(target)
	if len(target) == 0 || target[0] != '/' {
		return MalformedRequest
	}

	c.req.Method = method
	c.req.Target = target
	c.req.Version = version
	c.state = stateHeaders
	return NeedMoreInput
}

// stripScheme turns an absolute-form target into its path.
func stripScheme(target []byte) []byte {
	for _, scheme := range []string{"http://", "https://"} {
		if len(target) >= len(scheme) && strings.EqualFold(string(target[:len(scheme)]), scheme) {
			rest := target[len(scheme):]
			slash := bytes.IndexByte(rest, '/')
			if slash == -1 {
				return nil
			}
			return rest[slash:]
		}
	}
	return target
}

func skipBlanks(p []byte) []byte {
	return bytes.TrimLeft(p, " \t")
}

func (c *Conn) parseHeaders(text []byte) Outcome {
	if len(text) == 0 {
		c.req.Host = c.req.Headers.Get(hdrHost)
		if c.req.ContentLength == 0 {
			return requestComplete
		}
		if c.req.ContentLength > len(c.readBuf)-c.startLine {
			return MalformedRequest // could never fit
		}
		c.state = stateBody
		return NeedMoreInput
	}

	key, val, found := bytes.Cut(text, []byte(":"))
	if !found {
		c.log.Debug().Bytes("line", text).Msg("unknown header")
		return NeedMoreInput
	}
	key = bytes.TrimSpace(key)
	val = bytes.TrimSpace(val)
	c.req.Headers.Add(key, val)

	switch {
	case bytes.EqualFold(key, hdrConnection):
		if bytes.EqualFold(val, keepAlive) {
			c.req.KeepAlive = true
		}
	case bytes.EqualFold(key, hdrContentLength):
		n, err := strconv.ParseUint(string(val), 10, 31)
		if err != nil {
			return MalformedRequest
		}
		c.req.ContentLength = int(n)
	case bytes.EqualFold(key, hdrHost):
		// looked up once the head is complete
	default:
		c.log.Debug().Bytes("header", key).Msg("unknown header")
	}
	return NeedMoreInput
}

// parseContent reports whether the declared body is fully buffered.
func (c *Conn) parseContent() bool {
	if c.readIdx-c.startLine < c.req.ContentLength {
		return false
	}
	c.checkedIdx = c.startLine + c.req.ContentLength
	c.req.Body = c.readBuf[c.startLine:c.checkedIdx]
	return true
}

// doRequest resolves the target under the document root and maps the file.
func (c *Conn) doRequest() Outcome {
	root := c.env.docRoot
	if len(root)+len(c.req.Target) > c.env.maxFilename-1 {
		return MalformedRequest
	}
	c.realFile = filepath.Clean(root + string(c.req.Target))
	if !withinRoot(root, c.realFile) {
		return MalformedRequest
	}

	var st unix.Stat_t
	if err := unix.Stat(c.realFile, &st); err != nil {
		return ResourceMissing
	}
	if st.Mode&unix.S_IROTH == 0 {
		return ResourceForbidden
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
	case unix.S_IFDIR:
		return MalformedRequest
	default:
		return ResourceForbidden
	}

	c.fileSize = st.Size
	if c.fileSize == 0 {
		return ResourceReady
	}

	fd, err := unix.Open(c.realFile, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return ResourceMissing
	}
	defer unix.Close(fd)

	file, err := unix.Mmap(fd, 0, int(c.fileSize), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		c.log.Error().Err(err).Str("file", c.realFile).Msg("mmap failed")
		return InternalFault
	}
	c.file = file
	return ResourceReady
}

func withinRoot(root, path string) bool {
	if root == "/" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}

func (c *Conn) unmap() {
	if c.file != nil {
		if err := unix.Munmap(c.file); err != nil {
			c.log.Warn().Err(err).Msg("munmap failed")
		}
		c.file = nil
	}
}

// addResponse formats into the write buffer. It fails instead of growing
// the buffer.
func (c *Conn) addResponse(format string, args ...any) bool {
	if c.writeIdx >= len(c.writeBuf) {
		return false
	}
	out := fmt.Appendf(c.writeBuf[c.writeIdx:c.writeIdx], format, args...)
	if len(out) >= len(c.writeBuf)-1-c.writeIdx {
		return false
	}
	c.writeIdx += len(out)
	return true
}

func (c *Conn) addStatusLine(code int, title string) bool {
	return c.addResponse("%s %d %s\r\n", "HTTP/1.1", code, title)
}

func (c *Conn) addHeaders(contentLen int64) bool {
	return c.addContentLength(contentLen) && c.addLinger() && c.addBlankLine()
}

func (c *Conn) addContentLength(contentLen int64) bool {
	return c.addResponse("Content-Length: %d\r\n", contentLen)
}

func (c *Conn) addLinger() bool {
	conn := "close"
	if c.req.KeepAlive {
		conn = "keep-alive"
	}
	return c.addResponse("Connection: %s\r\n", conn)
}

func (c *Conn) addBlankLine() bool {
	return c.addResponse("%s", "\r\n")
}

func (c *Conn) addContent(content string) bool {
	return c.addResponse("%s", content)
}

// processWrite assembles the response for ret. A mapped file is not copied,
// it becomes the second iovec after the head in the write buffer.
func (c *Conn) processWrite(ret Outcome) bool {
	code := 200
	switch ret {
	case ResourceReady:
		if !c.addStatusLine(200, ok200Title) {
			return false
		}
		if c.fileSize != 0 {
			if !c.addHeaders(c.fileSize) {
				return false
			}
			c.iov[0] = c.writeBuf[:c.writeIdx]
			c.iov[1] = c.file
			c.ivCount = 2
			c.bytesToSend = c.writeIdx + len(c.file)
			c.logAccess(code)
			return true
		}
		if !c.addHeaders(int64(len(okEmpty))) || !c.addContent(okEmpty) {
			return false
		}
	default:
		st, ok := errorStatus[ret]
		if !ok {
			return false
		}
		if ret == MalformedRequest || ret == InternalFault {
			c.req.KeepAlive = false
		}
		if !c.addStatusLine(st.code, st.title) || !c.addHeaders(int64(len(st.form))) || !c.addContent(st.form) {
			return false
		}
		code = st.code
	}

	c.iov[0] = c.writeBuf[:c.writeIdx]
	c.ivCount = 1
	c.bytesToSend = c.writeIdx
	c.logAccess(code)
	return true
}

func (c *Conn) logAccess(code int) {
	c.log.Info().
		Bytes("method", c.req.Method).
		Bytes("target", c.req.Target).
		Bytes("host", c.req.Host).
		Int("status", code).
		Int("bytes", c.bytesToSend).
		Bool("keep_alive", c.req.KeepAlive).
		Msg("request")
}
