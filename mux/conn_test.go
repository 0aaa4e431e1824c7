package mux

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/protolab/h2mux/frame"
	"github.com/protolab/h2mux/hpack"
	"github.com/protolab/h2mux/router"
)

// testClient drives the client half of a net.Pipe. A reader goroutine pumps
// frames into a channel so writes from the test never deadlock against the
// server's synchronous pipe writes.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	fw     *frame.Writer
	enc    *hpack.Encoder
	dec    *hpack.Decoder
	frames chan frame.Frame
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	c := &testClient{
		t:      t,
		conn:   conn,
		fw:     frame.NewWriter(conn),
		enc:    hpack.NewEncoder(hpack.DefaultTableSize),
		dec:    hpack.NewDecoder(hpack.DefaultTableSize),
		frames: make(chan frame.Frame, 64),
	}
	fr := frame.NewReader(conn)
	go func() {
		defer close(c.frames)
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				return
			}
			f.Payload = append([]byte(nil), f.Payload...)
			c.frames <- f
		}
	}()
	return c
}

// next returns the next inbound frame or fails the test after a timeout.
func (c *testClient) next() (frame.Frame, bool) {
	select {
	case f, ok := <-c.frames:
		return f, ok
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for frame")
		return frame.Frame{}, false
	}
}

// waitFor skips frames until one of type typ arrives.
func (c *testClient) waitFor(typ frame.Type) frame.Frame {
	for {
		f, ok := c.next()
		if !ok {
			c.t.Fatalf("connection closed waiting for %s", typ)
		}
		if f.Type == typ {
			return f
		}
	}
}

// handshake performs the preface and SETTINGS exchange.
func (c *testClient) handshake(settings ...frame.Setting) {
	_, err := c.conn.Write(frame.ClientPreface)
	require.NoError(c.t, err)
	require.NoError(c.t, c.fw.WriteSettings(false, settings...))

	f := c.waitFor(frame.TypeSettings)
	require.False(c.t, f.Flags.Has(frame.FlagAck), "expected server SETTINGS before ack")
	require.NoError(c.t, c.fw.WriteSettings(true))

	f = c.waitFor(frame.TypeSettings)
	require.True(c.t, f.Flags.Has(frame.FlagAck), "expected ack of our SETTINGS")
}

func (c *testClient) sendHeaders(id uint32, endStream bool, fields []hpack.HeaderField) {
	block := c.enc.Encode(nil, fields)
	require.NoError(c.t, c.fw.WriteHeaders(id, endStream, block))
}

func (c *testClient) sendRequest(id uint32, method, path string, endStream bool, extra ...hpack.HeaderField) {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":path", Value: path},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "example.com"},
	}
	fields = append(fields, extra...)
	c.sendHeaders(id, endStream, fields)
}

// readResponse collects the response for one stream: decoded headers and the
// concatenated body, skipping frames for other streams and window updates.
func (c *testClient) readResponse(id uint32) (headers []hpack.HeaderField, body []byte) {
	for {
		f, ok := c.next()
		if !ok {
			c.t.Fatal("connection closed mid-response")
		}
		if f.StreamID != id {
			continue
		}
		switch f.Type {
		case frame.TypeHeaders:
			block, _, err := frame.HeadersBlock(f)
			require.NoError(c.t, err)
			fields, err := c.dec.Decode(block)
			require.NoError(c.t, err)
			headers = append(headers, fields...)
			if f.Flags.Has(frame.FlagEndStream) {
				return headers, body
			}
		case frame.TypeData:
			data, endStream, err := frame.Data(f)
			require.NoError(c.t, err)
			body = append(body, data...)
			if endStream {
				return headers, body
			}
		case frame.TypeRSTStream:
			c.t.Fatalf("stream %d reset: %s", id, frame.ParseRSTStream(f))
		}
	}
}

func status(t *testing.T, headers []hpack.HeaderField) string {
	t.Helper()
	require.NotEmpty(t, headers)
	require.Equal(t, ":status", headers[0].Name)
	return headers[0].Value
}

func testRoutes(release chan struct{}) *router.Table {
	rt := router.NewTable()
	rt.AddFunc("GET", "/hello", func(w router.ResponseWriter, req *router.Request) {
		_ = w.WriteHeaders(200, []hpack.HeaderField{{Name: "content-type", Value: "text/plain"}})
		_, _ = w.Write([]byte("hello, http/2\n"))
	})
	rt.AddFunc("POST", "/echo", func(w router.ResponseWriter, req *router.Request) {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return
		}
		_, _ = w.Write(b)
	})
	rt.AddFunc("POST", "/trailers", func(w router.ResponseWriter, req *router.Request) {
		_, err := io.ReadAll(req.Body)
		if err != nil {
			return
		}
		for _, hf := range req.Body.Trailers() {
			_, _ = w.Write([]byte(hf.Name + "=" + hf.Value + "\n"))
		}
	})
	rt.AddFunc("GET", "/block", func(w router.ResponseWriter, req *router.Request) {
		<-release
		_, _ = w.Write([]byte("released"))
	})
	rt.AddFunc("GET", "/panic", func(w router.ResponseWriter, req *router.Request) {
		panic("boom")
	})
	rt.AddFunc("POST", "/ignore-body", func(w router.ResponseWriter, req *router.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return rt
}

func startServer(t *testing.T, cfg Config, release chan struct{}) (*testClient, chan error) {
	t.Helper()
	return startServerRoutes(t, cfg, testRoutes(release))
}

func startServerRoutes(t *testing.T, cfg Config, routes *router.Table) (*testClient, chan error) {
	t.Helper()
	srv, err := NewServer(zap.NewNop(), cfg, routes, nil)
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- srv.ServeConn(ctx, serverSide) }()
	t.Cleanup(func() {
		cancel()
		_ = clientSide.Close()
		<-done
	})
	return newTestClient(t, clientSide), done
}

func TestHelloExchange(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	client.sendRequest(1, "GET", "/hello", true)
	headers, body := client.readResponse(1)

	assert.Equal(t, "200", status(t, headers))
	assert.Contains(t, headers, hpack.HeaderField{Name: "content-type", Value: "text/plain"})
	assert.Equal(t, "hello, http/2\n", string(body))
}

func TestEchoWithBody(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	client.sendRequest(1, "POST", "/echo", false)
	require.NoError(t, client.fw.WriteData(1, true, []byte("ping")))

	headers, body := client.readResponse(1)
	assert.Equal(t, "200", status(t, headers))
	assert.Equal(t, "ping", string(body))
}

func TestSequentialStreams(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	for _, id := range []uint32{1, 3, 5} {
		client.sendRequest(id, "GET", "/hello", true)
		_, body := client.readResponse(id)
		assert.Equal(t, "hello, http/2\n", string(body))
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	client.sendRequest(1, "GET", "/nope", true)
	headers, _ := client.readResponse(1)
	assert.Equal(t, "404", status(t, headers))

	client.sendRequest(3, "DELETE", "/hello", true)
	headers, _ = client.readResponse(3)
	assert.Equal(t, "405", status(t, headers))
}

func TestTrailers(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	client.sendRequest(1, "POST", "/trailers", false)
	require.NoError(t, client.fw.WriteData(1, false, []byte("payload")))
	client.sendHeaders(1, true, []hpack.HeaderField{{Name: "x-checksum", Value: "abc"}})

	headers, body := client.readResponse(1)
	assert.Equal(t, "200", status(t, headers))
	assert.Equal(t, "x-checksum=abc\n", string(body))
}

func TestStreamLimitRefusesAndRecovers(t *testing.T) {
	release := make(chan struct{})
	cfg := DefaultConfig()
	cfg.MaxConcurrentStreams = 1
	client, _ := startServer(t, cfg, release)
	client.handshake()

	client.sendRequest(1, "GET", "/block", true)
	// Stream 3 is over the limit; it must be refused but the header block
	// still advances the shared HPACK state.
	client.sendRequest(3, "GET", "/hello", true)
	f := client.waitFor(frame.TypeRSTStream)
	assert.Equal(t, uint32(3), f.StreamID)
	assert.Equal(t, frame.ErrCodeRefusedStream, frame.ParseRSTStream(f))

	close(release)
	_, body := client.readResponse(1)
	assert.Equal(t, "released", string(body))

	// A later stream referencing dynamic-table entries from the refused
	// block must still decode, proving the tables stayed in sync.
	client.sendRequest(5, "GET", "/hello", true)
	headers, _ := client.readResponse(5)
	assert.Equal(t, "200", status(t, headers))
}

func TestCompressionErrorIsFatal(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	// Index 72 is outside the static table and the empty dynamic table.
	require.NoError(t, client.fw.WriteHeaders(1, true, []byte{0x80 | 72}))

	f := client.waitFor(frame.TypeGoAway)
	_, code, _ := frame.ParseGoAway(f)
	assert.Equal(t, frame.ErrCodeCompression, code)

	_, ok := <-client.frames
	assert.False(t, ok, "connection must close after GOAWAY")
}

func TestDataOnIdleStreamIsContained(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	require.NoError(t, client.fw.WriteData(7, false, []byte("stray")))
	f := client.waitFor(frame.TypeRSTStream)
	assert.Equal(t, uint32(7), f.StreamID)
	assert.Equal(t, frame.ErrCodeProtocol, frame.ParseRSTStream(f))

	// The connection survives.
	client.sendRequest(9, "GET", "/hello", true)
	_, body := client.readResponse(9)
	assert.Equal(t, "hello, http/2\n", string(body))
}

func TestResetContainment(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client, _ := startServer(t, DefaultConfig(), release)
	client.handshake()

	client.sendRequest(1, "GET", "/block", true)
	require.NoError(t, client.fw.WriteRSTStream(1, frame.ErrCodeCancel))

	client.sendRequest(3, "GET", "/hello", true)
	_, body := client.readResponse(3)
	assert.Equal(t, "hello, http/2\n", string(body))
}

func TestHandlerPanicResetsStream(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	client.sendRequest(1, "GET", "/panic", true)
	f := client.waitFor(frame.TypeRSTStream)
	assert.Equal(t, uint32(1), f.StreamID)
	assert.Equal(t, frame.ErrCodeInternal, frame.ParseRSTStream(f))

	client.sendRequest(3, "GET", "/hello", true)
	_, body := client.readResponse(3)
	assert.Equal(t, "hello, http/2\n", string(body))
}

func TestPingEcho(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	payload := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, client.fw.WritePing(false, payload))

	f := client.waitFor(frame.TypePing)
	assert.True(t, f.Flags.Has(frame.FlagAck))
	assert.Equal(t, payload[:], f.Payload)
}

func TestFlowControlSuspendsData(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	// Advertise a 4-byte stream window: the 14-byte body must arrive in
	// several DATA frames, each gated on our WINDOW_UPDATE.
	client.handshake(frame.Setting{ID: frame.SettingInitialWindowSize, Val: 4})

	client.sendRequest(1, "GET", "/hello", true)

	var body []byte
	for {
		f, ok := client.next()
		if !ok {
			t.Fatal("connection closed mid-response")
		}
		if f.StreamID != 1 {
			continue
		}
		if f.Type != frame.TypeData {
			continue
		}
		data, endStream, err := frame.Data(f)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(data), 4)
		body = append(body, data...)
		if endStream {
			break
		}
		require.NoError(t, client.fw.WriteWindowUpdate(1, uint32(len(data))))
	}
	assert.Equal(t, "hello, http/2\n", string(body))
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	require.NoError(t, client.fw.WriteFrame(frame.Frame{
		Header:  frame.Header{Type: frame.Type(0x1f), StreamID: 0},
		Payload: []byte{1, 2, 3},
	}))
	client.sendRequest(1, "GET", "/hello", true)
	_, body := client.readResponse(1)
	assert.Equal(t, "hello, http/2\n", string(body))
}

func TestGracefulShutdownSendsGoAway(t *testing.T) {
	srv, err := NewServer(zap.NewNop(), DefaultConfig(), testRoutes(nil), nil)
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), serverSide) }()
	client := newTestClient(t, clientSide)
	client.handshake()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown(ctx) }()

	f := client.waitFor(frame.TypeGoAway)
	_, code, _ := frame.ParseGoAway(f)
	assert.Equal(t, frame.ErrCodeNo, code)

	_ = clientSide.Close()
	<-done
	require.NoError(t, <-shutdownDone)
}

func TestSettingsAckTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettingsTimeout = 50 * time.Millisecond
	client, _ := startServer(t, cfg, nil)

	_, err := client.conn.Write(frame.ClientPreface)
	require.NoError(t, err)
	require.NoError(t, client.fw.WriteSettings(false))
	client.waitFor(frame.TypeSettings) // server SETTINGS; never acked

	f := client.waitFor(frame.TypeGoAway)
	_, code, _ := frame.ParseGoAway(f)
	assert.Equal(t, frame.ErrCodeSettingsTimeout, code)
}

func TestPushPromiseFromClientIsFatal(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	require.NoError(t, client.fw.WriteFrame(frame.Frame{
		Header:  frame.Header{Type: frame.TypePushPromise, StreamID: 2},
		Payload: make([]byte, 4),
	}))
	f := client.waitFor(frame.TypeGoAway)
	_, code, _ := frame.ParseGoAway(f)
	assert.Equal(t, frame.ErrCodeProtocol, code)
}

func TestUnreadBodyReturnsConnectionCredit(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)
	client.handshake()

	// 40000 bytes to a handler that never touches req.Body. The credit
	// debited from the connection window must come back once the stream
	// is done, or the next large upload deadlocks.
	const total = 40000
	client.sendRequest(1, "POST", "/ignore-body", false)
	payload := make([]byte, 16000)
	for sent := 0; sent < total; {
		n := len(payload)
		if total-sent < n {
			n = total - sent
		}
		require.NoError(t, client.fw.WriteData(1, sent+n == total, payload[:n]))
		sent += n
	}

	var returned uint32
	endSeen := false
	for returned < total || !endSeen {
		f, ok := client.next()
		require.True(t, ok, "connection closed before credit was returned")
		switch {
		case f.Type == frame.TypeWindowUpdate && f.StreamID == 0:
			inc, err := frame.ParseWindowUpdate(f)
			require.NoError(t, err)
			returned += inc
		case f.Type == frame.TypeRSTStream:
			t.Fatalf("stream reset: %s", frame.ParseRSTStream(f))
		case f.StreamID == 1 && f.Flags.Has(frame.FlagEndStream):
			endSeen = true
		}
	}
	assert.GreaterOrEqual(t, returned, uint32(total))
}

func TestResetCancelsHandlerContext(t *testing.T) {
	canceled := make(chan struct{})
	rt := router.NewTable()
	rt.AddFunc("GET", "/watch", func(w router.ResponseWriter, req *router.Request) {
		<-req.Context().Done()
		close(canceled)
	})
	client, _ := startServerRoutes(t, DefaultConfig(), rt)
	client.handshake()

	client.sendRequest(1, "GET", "/watch", true)
	require.NoError(t, client.fw.WriteRSTStream(1, frame.ErrCodeCancel))

	select {
	case <-canceled:
	case <-time.After(3 * time.Second):
		t.Fatal("handler context not canceled after RST_STREAM")
	}
}

func TestPrefaceMismatchClosesWithoutGoAway(t *testing.T) {
	client, _ := startServer(t, DefaultConfig(), nil)

	_, err := client.conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	// Not HTTP/2: the transport just closes, no GOAWAY or any other frame.
	select {
	case f, ok := <-client.frames:
		require.False(t, ok, "unexpected frame before close: %s", f.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("connection not closed after preface mismatch")
	}
}
