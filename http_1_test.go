package server

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newParseConn returns a Conn without a socket, fed through feed.
func newParseConn(t *testing.T, env *connEnv) *Conn {
	t.Helper()
	c := newConn(-1, nil, env)
	t.Cleanup(c.close)
	return c
}

func feed(c *Conn, raw string) {
	c.readIdx += copy(c.readBuf[c.readIdx:], raw)
}

func scanLines(c *Conn) ([]string, lineStatus) {
	var lines []string
	for {
		st := c.parseLine()
		if st != lineOK {
			return lines, st
		}
		lines = append(lines, string(c.getLine()))
		c.startLine = c.checkedIdx
	}
}

func TestParseLineIncremental(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 2048, 1024)
	raw := "GET /index.html HTTP/1.1\r\nHost: localhost\r\nConnection: keep-alive\r\n\r\n"
	want := []string{"GET /index.html HTTP/1.1", "Host: localhost", "Connection: keep-alive", ""}

	whole := newParseConn(t, env)
	feed(whole, raw)
	lines, st := scanLines(whole)
	assert.Equal(t, lineOpen, st)
	assert.Equal(t, want, lines)

	byByte := newParseConn(t, env)
	var got []string
	for i := range len(raw) {
		feed(byByte, raw[i:i+1])
		lines, st := scanLines(byByte)
		require.NotEqual(t, lineBad, st, "byte %d", i)
		got = append(got, lines...)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, whole.checkedIdx, byByte.checkedIdx)
}

func TestParseLineBad(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 2048, 1024)
	for _, raw := range []string{
		"GET / HTTP/1.1\rX",
		"GET / HTTP/1.1\n",
		"\n",
	} {
		c := newParseConn(t, env)
		feed(c, raw)
		_, st := scanLines(c)
		assert.Equal(t, lineBad, st, "%q", raw)
	}

	c := newParseConn(t, env)
	feed(c, "GET / HTTP/1.1\r")
	_, st := scanLines(c)
	assert.Equal(t, lineOpen, st)
	assert.Equal(t, len("GET / HTTP/1.1"), c.checkedIdx, "a trailing CR is examined again")
}

func testDocRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "index.html", []byte("<h1>hi</h1>"), 0o644)
	writeFile(t, root, "secret.html", []byte("nope"), 0o600)
	writeFile(t, root, "empty.html", nil, 0o644)
	require.NoError(t, unix.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, unix.Mkfifo(filepath.Join(root, "fifo"), 0o644))
	require.NoError(t, unix.Chmod(filepath.Join(root, "fifo"), 0o644))
	return root
}

func TestProcessRead(t *testing.T) {
	root := testDocRoot(t)
	env := newTestEnv(t, root, 2048, 1024)

	tests := []struct {
		name      string
		raw       string
		want      Outcome
		keepAlive bool
	}{
		{"keep-alive", "GET /index.html HTTP/1.1\r\nHost: localhost\r\nConnection: keep-alive\r\n\r\n", ResourceReady, true},
		{"keep-alive any case", "GET /index.html HTTP/1.1\r\nconnection: Keep-Alive\r\n\r\n", ResourceReady, true},
		{"keep-alive with colon", "GET /index.html HTTP/1.1\r\nConnection: keep-alive:\r\n\r\n", ResourceReady, false},
		{"close", "GET /index.html HTTP/1.1\r\nConnection: close\r\n\r\n", ResourceReady, false},
		{"tabs", "GET\t/index.html\t\tHTTP/1.1\r\n\r\n", ResourceReady, false},
		{"absolute form", "GET http://example.com/index.html HTTP/1.1\r\n\r\n", ResourceReady, false},
		{"absolute form https", "GET HTTPS://example.com/index.html HTTP/1.1\r\n\r\n", ResourceReady, false},
		{"absolute form no path", "GET http://example.com HTTP/1.1\r\n\r\n", MalformedRequest, false},
		{"unknown header", "GET /index.html HTTP/1.1\r\nX-Thing: 1\r\nnot a header\r\n\r\n", ResourceReady, false},
		{"empty file", "GET /empty.html HTTP/1.1\r\n\r\n", ResourceReady, false},
		{"body", "GET /index.html HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello", ResourceReady, false},
		{"partial body", "GET /index.html HTTP/1.1\r\nContent-Length: 5\r\n\r\nhel", NeedMoreInput, false},
		{"partial headers", "GET /index.html HTTP/1.1\r\nHost: localhost\r\n", NeedMoreInput, false},
		{"partial line", "GET /index.ht", NeedMoreInput, false},
		{"post", "POST /index.html HTTP/1.1\r\n\r\n", MalformedRequest, false},
		{"lowercase method", "get /index.html HTTP/1.1\r\n\r\n", MalformedRequest, false},
		{"http 1.0", "GET /index.html HTTP/1.0\r\n\r\n", MalformedRequest, false},
		{"no version", "GET /index.html\r\n\r\n", MalformedRequest, false},
		{"relative target", "GET index.html HTTP/1.1\r\n\r\n", MalformedRequest, false},
		{"bare LF", "GET /index.html HTTP/1.1\n\r\n", MalformedRequest, false},
		{"bad content length", "GET /index.html HTTP/1.1\r\nContent-Length: abc\r\n\r\n", MalformedRequest, false},
		{"negative content length", "GET /index.html HTTP/1.1\r\nContent-Length: -1\r\n\r\n", MalformedRequest, false},
		{"oversized body", "GET /index.html HTTP/1.1\r\nContent-Length: 99999\r\n\r\n", MalformedRequest, false},
		{"root directory", "GET / HTTP/1.1\r\n\r\n", MalformedRequest, false},
		{"directory", "GET /sub HTTP/1.1\r\n\r\n", MalformedRequest, false},
		{"escape", "GET /../../etc/passwd HTTP/1.1\r\n\r\n", MalformedRequest, false},
		{"escape inside", "GET /sub/../../index.html HTTP/1.1\r\n\r\n", MalformedRequest, false},
		{"dot segments inside root", "GET /sub/../index.html HTTP/1.1\r\n\r\n", ResourceReady, false},
		{"name too long", "GET /" + strings.Repeat("a", 250) + " HTTP/1.1\r\n\r\n", MalformedRequest, false},
		{"missing", "GET /missing.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n", ResourceMissing, true},
		{"not world readable", "GET /secret.html HTTP/1.1\r\n\r\n", ResourceForbidden, false},
		{"not a regular file", "GET /fifo HTTP/1.1\r\n\r\n", ResourceForbidden, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newParseConn(t, env)
			feed(c, tt.raw)
			assert.Equal(t, tt.want, c.processRead())
			assert.Equal(t, tt.keepAlive, c.req.KeepAlive)
		})
	}
}

func TestProcessReadRequestFields(t *testing.T) {
	root := testDocRoot(t)
	env := newTestEnv(t, root, 2048, 1024)
	c := newParseConn(t, env)

	feed(c, "GET http://example.com/index.html HTTP/1.1\r\nHost: example.com\r\nContent-Length: 4\r\n\r\nping")
	require.Equal(t, ResourceReady, c.processRead())

	assert.Equal(t, "GET", string(c.req.Method))
	assert.Equal(t, "/index.html", string(c.req.Target))
	assert.Equal(t, "HTTP/1.1", string(c.req.Version))
	assert.Equal(t, "example.com", string(c.req.Host))
	assert.Equal(t, "example.com", string(c.req.Headers.Get([]byte("host"))))
	assert.Equal(t, 4, c.req.ContentLength)
	assert.Equal(t, "ping", string(c.req.Body))
	assert.Equal(t, filepath.Join(root, "index.html"), c.realFile)
	assert.Equal(t, "<h1>hi</h1>", string(c.file))
}

func TestProcessReadHost(t *testing.T) {
	env := newTestEnv(t, testDocRoot(t), 2048, 1024)

	c := newParseConn(t, env)
	feed(c, "GET /index.html HTTP/1.1\r\nhOsT: a.example\r\nHost: b.example\r\n\r\n")
	require.Equal(t, ResourceReady, c.processRead())
	assert.Equal(t, "a.example", string(c.req.Host), "first Host wins")

	c = newParseConn(t, env)
	feed(c, "GET /index.html HTTP/1.1\r\n\r\n")
	require.Equal(t, ResourceReady, c.processRead())
	assert.Nil(t, c.req.Host)
}

func TestProcessReadResumes(t *testing.T) {
	env := newTestEnv(t, testDocRoot(t), 2048, 1024)
	c := newParseConn(t, env)

	feed(c, "GET /index.html HTTP/1.1\r\nConnec")
	require.Equal(t, NeedMoreInput, c.processRead())
	assert.Equal(t, stateHeaders, c.state)

	feed(c, "tion: keep-alive\r\nContent-Length: 2\r\n\r\n")
	require.Equal(t, NeedMoreInput, c.processRead())
	assert.Equal(t, stateBody, c.state)

	feed(c, "ok")
	require.Equal(t, ResourceReady, c.processRead())
	assert.True(t, c.req.KeepAlive)
	assert.Equal(t, "ok", string(c.req.Body))
}

func TestProcessWrite(t *testing.T) {
	root := testDocRoot(t)
	env := newTestEnv(t, root, 2048, 1024)

	head := func(code int, title, conn string, length int) string {
		return fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: %s\r\n\r\n", code, title, length, conn)
	}
	notFound := errorStatus[ResourceMissing].form
	forbidden := errorStatus[ResourceForbidden].form
	bad := errorStatus[MalformedRequest].form

	tests := []struct {
		name string
		raw  string
		want string
		file string
	}{
		{
			name: "file",
			raw:  "GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n",
			want: head(200, "OK", "keep-alive", 11),
			file: "<h1>hi</h1>",
		},
		{
			name: "empty file",
			raw:  "GET /empty.html HTTP/1.1\r\n\r\n",
			want: head(200, "OK", "close", len(okEmpty)) + okEmpty,
		},
		{
			name: "not found keeps the connection",
			raw:  "GET /nope HTTP/1.1\r\nConnection: keep-alive\r\n\r\n",
			want: head(404, "Not Found", "keep-alive", len(notFound)) + notFound,
		},
		{
			name: "forbidden",
			raw:  "GET /secret.html HTTP/1.1\r\n\r\n",
			want: head(403, "Forbidden", "close", len(forbidden)) + forbidden,
		},
		{
			name: "bad request closes",
			raw:  "GET /sub HTTP/1.1\r\nConnection: keep-alive\r\n\r\n",
			want: head(400, "Bad Request", "close", len(bad)) + bad,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newParseConn(t, env)
			feed(c, tt.raw)
			require.True(t, c.processWrite(c.processRead()))

			assert.Equal(t, tt.want, string(c.iov[0]))
			if tt.file == "" {
				assert.Equal(t, 1, c.ivCount)
				assert.Equal(t, len(tt.want), c.bytesToSend)
				return
			}
			assert.Equal(t, 2, c.ivCount)
			assert.Equal(t, tt.file, string(c.iov[1]))
			assert.Equal(t, len(tt.want)+len(tt.file), c.bytesToSend)
		})
	}
}

func TestProcessWriteInternalFault(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 2048, 1024)
	c := newParseConn(t, env)
	c.req.KeepAlive = true

	require.True(t, c.processWrite(InternalFault))
	form := errorStatus[InternalFault].form
	assert.Equal(t, fmt.Sprintf("HTTP/1.1 500 Internal Error\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(form), form), string(c.iov[0]))
	assert.False(t, c.req.KeepAlive)
}

func TestProcessWriteOverflow(t *testing.T) {
	env := newTestEnv(t, testDocRoot(t), 2048, 64)
	c := newParseConn(t, env)

	feed(c, "GET /missing.html HTTP/1.1\r\n\r\n")
	assert.False(t, c.processWrite(c.processRead()), "a 404 does not fit into 64 bytes")
	assert.False(t, c.processWrite(NeedMoreInput))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "resource-ready", ResourceReady.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}

func BenchmarkProcessRead(b *testing.B) {
	root := b.TempDir()
	require.NoError(b, unix.Mkdir(filepath.Join(root, "static"), 0o755))
	fd, err := unix.Open(filepath.Join(root, "static", "index.html"), unix.O_CREAT|unix.O_WRONLY, 0o644)
	require.NoError(b, err)
	unix.Write(fd, []byte("<html></html>"))
	unix.Close(fd)

	p, err := NewPoller()
	require.NoError(b, err)
	defer p.Close()
	env := &connEnv{docRoot: root, maxFilename: 200, poller: p, log: zerolog.Nop()}
	env.readBufs, env.writeBufs = newBufferPool(2048), newBufferPool(1024)

	raw := "GET /static/index.html HTTP/1.1\r\nHost: localhost:8080\r\nUser-Agent: bench\r\nAccept: */*\r\nConnection: keep-alive\r\n\r\n"
	c := newConn(-1, nil, env)
	defer c.close()

	b.ReportAllocs()
	for b.Loop() {
		feed(c, raw)
		if c.processRead() != ResourceReady {
			b.Fatal("unexpected outcome")
		}
		c.unmap()
		c.reset()
	}
}
