// Package gateway drives one raw golang.org/x/net/http2.Framer per
// accepted connection, wiring the framer/deframer, stream state machine,
// and connection manager together into a working gRPC-over-HTTP/2 server.
// It never goes through net/http: a gRPC frame's HEADERS/DATA/PING/GOAWAY
// handling needs direct control over the wire that net/http's http.Handler
// abstraction doesn't expose, so the connection loop here reads the client
// preface and drives golang.org/x/net/http2.Framer the way the retrieval
// pack's raw HTTP/2 server does.
package gateway

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/coregrpc/corerpc/connection"
	"github.com/coregrpc/corerpc/framing"
	"github.com/coregrpc/corerpc/metadata"
	"github.com/coregrpc/corerpc/status"
	"github.com/coregrpc/corerpc/stream"
)

// clientPreface is the fixed 24-byte connection preface every HTTP/2
// client sends before its first frame.
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Handler is a user method implementation: it drives call to completion
// (Send zero or more outbound messages, Recv zero or more inbound ones)
// and returns the final status for the RPC. A nil return is treated as OK,
// matching the teacher's own convention of nil meaning success.
type Handler func(ctx context.Context, method string, call *stream.Call) *status.Status

// MethodHandler pairs a Handler with the call shape it expects, since the
// gateway has no service schema of its own to infer this from.
type MethodHandler struct {
	Kind    stream.CallKind
	Handler Handler
}

// Registry maps a gRPC method path ("/package.Service/Method") to the
// handler that serves it.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]MethodHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]MethodHandler)}
}

// Handle registers h to serve method.
func (r *Registry) Handle(method string, kind stream.CallKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = MethodHandler{Kind: kind, Handler: h}
}

func (r *Registry) lookup(method string) (MethodHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mh, ok := r.methods[method]
	return mh, ok
}

// Config bundles the per-connection settings a Server applies to every
// accepted connection.
type Config struct {
	// Connection carries the CMH's timers and ping-flood policy, applied
	// identically to every accepted connection.
	Connection connection.Config

	// MaxPayloadSize caps a single decoded message; zero selects
	// framing.DefaultMaxPayloadSize.
	MaxPayloadSize uint32

	// Compressor is used to decompress inbound frames carrying the
	// compression flag. Outbound messages are always sent uncompressed.
	// Nil means compressed inbound frames are rejected as a protocol error.
	Compressor framing.Compressor

	// Logger receives a line for every connection-level failure; nil
	// selects log.Default().
	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Server accepts connections and dispatches streams to a Registry.
type Server struct {
	cfg      Config
	registry *Registry
}

// NewServer creates a Server dispatching to registry under cfg.
func NewServer(registry *Registry, cfg Config) *Server {
	return &Server{registry: registry, cfg: cfg.withDefaults()}
}

// Serve accepts connections from ln until Accept fails, running each on its
// own goroutine. Canceling ctx alone does not stop Serve; the caller also
// closes ln. It returns ctx.Err() if ctx is done when Accept fails, and the
// listener's error otherwise.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go s.handleConn(ctx, nc)
	}
}

func (s *Server) logf(format string, args ...any) {
	s.cfg.Logger.Printf(format, args...)
}

// frameTransport adapts one http2.Framer, serialized by mu, into
// connection.Transport.
type frameTransport struct {
	fr *http2.Framer
	nc net.Conn
	mu *sync.Mutex
}

func (t *frameTransport) WriteGoAway(maxStreamID uint32, code http2.ErrCode, debugData []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fr.WriteGoAway(maxStreamID, code, debugData)
}

func (t *frameTransport) WritePing(ack bool, data [8]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fr.WritePing(ack, data)
}

func (t *frameTransport) Close() error { return t.nc.Close() }

// serverStream is the gateway's per-stream bookkeeping, layered on top of
// the transport-agnostic stream.Call.
type serverStream struct {
	id          uint32
	machine     *stream.Machine
	call        *stream.Call
	deframe     *framing.Deframer
	outFramer   *framing.Framer
	headersSent bool
	rstReceived bool
	finalStatus chan *status.Status
	cancel      context.CancelFunc
}

// conn is the state of one accepted HTTP/2 connection, owned by its single
// read loop goroutine except where noted.
type conn struct {
	srv     *Server
	nc      net.Conn
	framer  *http2.Framer
	manager *connection.Manager

	writeMu   sync.Mutex
	hpackDec  *hpack.Decoder
	hpackEnc  *hpack.Encoder
	headerBuf bytes.Buffer

	// Header-block accumulation across HEADERS + CONTINUATION frames; only
	// ever touched from the read loop, so no locking is needed.
	headerFrag      []byte
	curHeaderStream uint32
	headerEndStream bool

	streamsMu sync.Mutex
	streams   map[uint32]*serverStream
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	preface := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(nc, preface); err != nil {
		s.logf("gateway: reading client preface: %v", err)
		return
	}
	if string(preface) != clientPreface {
		s.logf("gateway: bogus client preface from %v", nc.RemoteAddr())
		return
	}

	fr := http2.NewFramer(nc, nc)
	c := &conn{
		srv:     s,
		nc:      nc,
		framer:  fr,
		streams: make(map[uint32]*serverStream),
	}
	c.hpackDec = hpack.NewDecoder(4096, nil)
	c.hpackEnc = hpack.NewEncoder(&c.headerBuf)

	tr := &frameTransport{fr: fr, nc: nc, mu: &c.writeMu}
	c.manager = connection.New(tr, s.cfg.Connection, func(reason string) {
		s.logf("gateway: connection from %v closed: %s", nc.RemoteAddr(), reason)
	})
	c.manager.Activate()

	f, err := fr.ReadFrame()
	if err != nil {
		s.logf("gateway: reading initial frame: %v", err)
		return
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok {
		s.logf("gateway: first frame from %v was %T, not SETTINGS", nc.RemoteAddr(), f)
		return
	}
	_ = sf.ForeachSetting(func(http2.Setting) error { return nil })

	c.writeMu.Lock()
	err = fr.WriteSettings()
	if err == nil {
		err = fr.WriteSettingsAck()
	}
	c.writeMu.Unlock()
	if err != nil {
		s.logf("gateway: writing initial settings: %v", err)
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		f, err := fr.ReadFrame()
		c.manager.OnRead()
		if err != nil {
			return
		}
		c.dispatch(connCtx, f)
		c.manager.OnReadLoopComplete()
	}
}

func (c *conn) dispatch(ctx context.Context, f http2.Frame) {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		c.onSettings(f)
	case *http2.PingFrame:
		c.onPing(f)
	case *http2.GoAwayFrame:
		c.manager.Close()
	case *http2.HeadersFrame:
		c.onHeaders(ctx, f)
	case *http2.ContinuationFrame:
		c.onContinuation(ctx, f)
	case *http2.DataFrame:
		c.onData(f)
	case *http2.RSTStreamFrame:
		c.onRSTStream(f)
	case *http2.WindowUpdateFrame:
		// Flow-control accounting is out of scope: this gateway never
		// withholds writes pending window credit.
	default:
		c.srv.logf("gateway: ignoring frame %T", f)
	}
}

func (c *conn) onSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	_ = f.ForeachSetting(func(http2.Setting) error { return nil })
	c.writeMu.Lock()
	err := c.framer.WriteSettingsAck()
	c.writeMu.Unlock()
	if err != nil {
		c.manager.Close()
	}
}

func (c *conn) onPing(f *http2.PingFrame) {
	if f.IsAck() {
		c.manager.OnInboundPing(f.Data, true)
		return
	}
	c.manager.OnInboundPing(f.Data, false)
	c.writeMu.Lock()
	err := c.framer.WritePing(true, f.Data)
	c.writeMu.Unlock()
	if err != nil {
		c.manager.Close()
	}
}

func (c *conn) onHeaders(ctx context.Context, f *http2.HeadersFrame) {
	id := f.Header().StreamID
	c.curHeaderStream = id
	c.headerFrag = append(c.headerFrag[:0], f.HeaderBlockFragment()...)
	c.headerEndStream = f.StreamEnded()
	if f.HeadersEnded() {
		c.finishHeaders(ctx, id)
	}
}

func (c *conn) onContinuation(ctx context.Context, f *http2.ContinuationFrame) {
	if f.Header().StreamID != c.curHeaderStream {
		return
	}
	c.headerFrag = append(c.headerFrag, f.HeaderBlockFragment()...)
	if f.HeadersEnded() {
		c.finishHeaders(ctx, c.curHeaderStream)
	}
}

func (c *conn) finishHeaders(ctx context.Context, id uint32) {
	frag := c.headerFrag
	endStream := c.headerEndStream
	c.curHeaderStream = 0
	c.headerFrag = nil

	line, md, err := decodeHeaders(c.hpackDec, frag)
	if err != nil {
		c.srv.logf("gateway: hpack decode error: %v", err)
		c.manager.Close()
		return
	}

	c.manager.OnStreamOpened(id)

	machine := stream.New(stream.ServerRole)
	streamCtx, cancel := context.WithCancel(metadata.NewIncomingContext(ctx, md))

	mh, found := c.srv.registry.lookup(line.path)
	kind := stream.Unary
	if found {
		kind = mh.Kind
	}

	call := stream.NewCall(streamCtx, kind, machine)
	ss := &serverStream{
		id:          id,
		machine:     machine,
		call:        call,
		deframe:     framing.NewDeframer(c.srv.cfg.Compressor, c.srv.cfg.MaxPayloadSize),
		outFramer:   framing.NewFramer(c.srv.cfg.Compressor),
		finalStatus: make(chan *status.Status, 1),
		cancel:      cancel,
	}
	c.streamsMu.Lock()
	c.streams[id] = ss
	c.streamsMu.Unlock()

	res := machine.ReceiveMetadata(false)
	if res.Action != stream.ActionInvokeHandler {
		if res.Status != nil {
			c.finishStream(ss, res.Status)
		}
		go c.streamOutput(ss)
		return
	}

	if endStream {
		if endRes := machine.ReceiveEnd(); endRes.Status != nil {
			c.finishStream(ss, endRes.Status)
			go c.streamOutput(ss)
			return
		}
		call.FailRecv(io.EOF)
	}

	go c.streamOutput(ss)

	if !found {
		machine.SendStatus()
		c.finishStream(ss, status.New(status.Unimplemented, "grpc: unknown method "+line.path))
		return
	}
	go c.runStream(ss, mh.Handler, line)
}

func (c *conn) runStream(ss *serverStream, h Handler, line requestLine) {
	st := h(ss.call.Context(), line.path, ss.call)
	if st == nil {
		st = status.OKStatus()
	}
	ss.machine.SendStatus()
	c.finishStream(ss, st)
}

func (c *conn) onData(f *http2.DataFrame) {
	id := f.Header().StreamID
	ss, ok := c.lookupStream(id)
	if !ok {
		return
	}

	if data := f.Data(); len(data) > 0 {
		ss.deframe.Write(data)
		for {
			payload, ok, err := ss.deframe.Next()
			if err != nil {
				c.finishStream(ss, status.Convert(err))
				return
			}
			if !ok {
				break
			}
			res := ss.machine.ReceiveMessage()
			if res.Action != stream.ActionForward {
				if res.Status != nil {
					c.finishStream(ss, res.Status)
				}
				return
			}
			select {
			case ss.call.Inbound() <- payload:
			case <-ss.call.Context().Done():
				return
			}
		}
	}

	if f.StreamEnded() {
		res := ss.machine.ReceiveEnd()
		if res.Status != nil {
			c.finishStream(ss, res.Status)
			return
		}
		ss.call.FailRecv(io.EOF)
	}
}

func (c *conn) onRSTStream(f *http2.RSTStreamFrame) {
	id := f.Header().StreamID
	ss, ok := c.lookupStream(id)
	if !ok {
		return
	}
	ss.rstReceived = true
	ss.machine.Cancel()
	ss.call.FailRecv(io.EOF)
	ss.call.FailSend(io.EOF)
	c.finishStream(ss, status.New(status.Canceled, "grpc: stream reset by peer"))
}

// finishStream records st as the stream's final status, a no-op if one was
// already recorded (the first terminal event for a stream wins).
func (c *conn) finishStream(ss *serverStream, st *status.Status) {
	select {
	case ss.finalStatus <- st:
	default:
	}
}

// streamOutput is the sole writer of a stream's DATA and trailer frames: it
// drains Call.Outbound() until finalStatus arrives, then flushes any
// last buffered message before the trailers, guaranteeing messages never
// reorder past the status that follows them.
func (c *conn) streamOutput(ss *serverStream) {
	defer func() {
		ss.cancel()
		ss.call.Close()
		c.manager.OnStreamClosed(ss.id)
		c.removeStream(ss.id)
	}()

	for {
		select {
		case payload := <-ss.call.Outbound():
			c.writeMessage(ss, payload)
		case st := <-ss.finalStatus:
		drain:
			for {
				select {
				case payload := <-ss.call.Outbound():
					c.writeMessage(ss, payload)
				default:
					break drain
				}
			}
			if !ss.rstReceived {
				c.writeTrailers(ss, st)
			}
			return
		}
	}
}

func (c *conn) writeMessage(ss *serverStream, payload []byte) {
	ss.outFramer.Enqueue(payload, false)
	for {
		chunk, err := ss.outFramer.Next()
		if err != nil {
			c.srv.logf("gateway: framing outbound message: %v", err)
			return
		}
		if chunk == nil {
			return
		}

		c.writeMu.Lock()
		if !ss.headersSent {
			block := encodeResponseHeaders(c.hpackEnc, &c.headerBuf, nil)
			if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      ss.id,
				BlockFragment: block,
				EndHeaders:    true,
			}); err != nil {
				c.writeMu.Unlock()
				c.srv.logf("gateway: writing response headers: %v", err)
				return
			}
			ss.headersSent = true
		}
		err = c.framer.WriteData(ss.id, false, chunk)
		c.writeMu.Unlock()
		if err != nil {
			c.srv.logf("gateway: writing data frame: %v", err)
			return
		}
		c.manager.OnOutboundFrame()
	}
}

func (c *conn) writeTrailers(ss *serverStream, st *status.Status) {
	code := 0
	message := ""
	var md *metadata.Metadata
	if st != nil {
		code = int(st.Code)
		message = st.Message
		md = st.Metadata
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var block []byte
	if ss.headersSent {
		block = encodeTrailers(c.hpackEnc, &c.headerBuf, code, message, md)
	} else {
		block = encodeTrailersOnly(c.hpackEnc, &c.headerBuf, code, message, md)
	}
	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      ss.id,
		BlockFragment: block,
		EndStream:     true,
		EndHeaders:    true,
	}); err != nil {
		c.srv.logf("gateway: writing trailers: %v", err)
		return
	}
	c.manager.OnOutboundFrame()
}

func (c *conn) lookupStream(id uint32) (*serverStream, bool) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	ss, ok := c.streams[id]
	return ss, ok
}

func (c *conn) removeStream(id uint32) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	delete(c.streams, id)
}
