package rtsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TransportMode selects how RTP reaches the client.
type TransportMode int

const (
	// ModeTCP multiplexes RTP/RTCP onto the control connection as
	// $-framed interleaved data.
	ModeTCP TransportMode = iota

	// ModeUDP receives RTP/RTCP on a local even/odd UDP port pair.
	ModeUDP
)

func (m TransportMode) String() string {
	if m == ModeUDP {
		return "udp"
	}
	return "tcp"
}

// State is the client's position in the RTSP handshake.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateDescribed
	StateSetUp
	StatePlaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateDescribed:
		return "described"
	case StateSetUp:
		return "setup"
	case StatePlaying:
		return "playing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the rtsp:// source, optionally carrying userinfo
	// credentials.
	URL string

	// Mode selects interleaved TCP (default) or UDP transport.
	Mode TransportMode

	// ReadTimeout bounds each network read. Zero means
	// DefaultReadTimeout.
	ReadTimeout time.Duration

	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

// Client is an RTSP 1.0 play-only client for a single video track.
// The handshake methods must be called in order: Connect, Options,
// Describe, Setup, Play, then Stream. Close is safe at any point.
type Client struct {
	baseURL     string
	host        string
	username    string
	password    string
	mode        TransportMode
	readTimeout time.Duration
	userAgent   string

	conn   net.Conn
	reader *MessageReader
	writer *MessageWriter

	cseqMu  sync.Mutex
	cseq    int
	writeMu sync.Mutex

	state          State
	auth           *authSender
	session        string
	sessionTimeout time.Duration
	contentBase    string
	track          *Track
	setupURL       string

	supportsGetParameter bool

	// interleaved channels confirmed at SETUP
	rtpChannel  int
	rtcpChannel int

	// UDP transport
	rtpConn  net.PacketConn
	rtcpConn net.PacketConn
}

// NewClient validates the configuration and parses the source URL.
// It does not touch the network.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	if u.Scheme != "rtsp" {
		return nil, fmt.Errorf("invalid source URL: scheme must be rtsp, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid source URL: missing host")
	}

	c := &Client{
		mode:        cfg.Mode,
		readTimeout: cfg.ReadTimeout,
		userAgent:   cfg.UserAgent,
		rtpChannel:  channelRTP,
		rtcpChannel: channelRTCP,
		state:       StateDisconnected,
	}
	if c.readTimeout <= 0 {
		c.readTimeout = DefaultReadTimeout
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}

	if u.User != nil {
		c.username = u.User.Username()
		c.password, _ = u.User.Password()
	}

	// Credentials never appear on request lines.
	clean := *u
	clean.User = nil
	if clean.Port() == "" {
		clean.Host = net.JoinHostPort(clean.Hostname(), strconv.Itoa(DefaultRTSPPort))
	}
	c.host = clean.Host
	c.baseURL = clean.String()

	return c, nil
}

// URL returns the credential-free source URL.
func (c *Client) URL() string {
	return c.baseURL
}

// State returns the current handshake state.
func (c *Client) State() State {
	return c.state
}

// Track returns the video track selected by Describe, or nil before it.
func (c *Client) Track() *Track {
	return c.track
}

// Connect dials the control connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.state != StateDisconnected {
		return fmt.Errorf("cannot connect in state %s", c.state)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.host)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	c.conn = conn
	c.reader = NewMessageReader(conn)
	c.writer = NewMessageWriter(conn)
	c.state = StateConnected

	slog.Debug("RTSP control connection established", "url", c.baseURL, "mode", c.mode)
	return nil
}

// Options probes the server. A missing or partial Public header is
// logged but not fatal; only transport and status failures are.
func (c *Client) Options() error {
	if c.state != StateConnected {
		return fmt.Errorf("cannot send OPTIONS in state %s", c.state)
	}

	resp, err := c.do(NewRequest(MethodOptions, c.baseURL))
	if err != nil {
		return err
	}
	if resp.StatusCode != StatusOK {
		return &ProtocolError{Reason: fmt.Sprintf("OPTIONS returned %d %s", resp.StatusCode, resp.StatusText)}
	}

	public := resp.GetHeader(HeaderPublic)
	if public == "" {
		slog.Debug("server sent no Public header", "url", c.baseURL)
		return nil
	}
	for _, method := range strings.Split(public, ",") {
		if strings.TrimSpace(method) == MethodGetParam {
			c.supportsGetParameter = true
		}
	}
	for _, required := range []string{MethodDescribe, MethodSetup, MethodPlay} {
		if !strings.Contains(public, required) {
			slog.Warn("server does not advertise a required method", "url", c.baseURL, "method", required)
		}
	}
	return nil
}

// Describe fetches the session description and selects its H264 video
// track.
func (c *Client) Describe() (*Track, error) {
	if c.state != StateConnected {
		return nil, fmt.Errorf("cannot send DESCRIBE in state %s", c.state)
	}

	req := NewRequest(MethodDescribe, c.baseURL)
	req.SetHeader(HeaderAccept, "application/sdp")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != StatusOK {
		return nil, &ProtocolError{Reason: fmt.Sprintf("DESCRIBE returned %d %s", resp.StatusCode, resp.StatusText)}
	}
	if len(resp.Body) == 0 {
		return nil, &ProtocolError{Reason: "DESCRIBE returned an empty body"}
	}

	track, err := ParseDescription(resp.Body)
	if err != nil {
		return nil, err
	}

	c.contentBase = resp.GetHeader(HeaderContentBase)
	if c.contentBase == "" {
		c.contentBase = c.baseURL
	}
	c.track = track
	c.setupURL = resolveControl(c.contentBase, track.Control)
	c.state = StateDescribed

	slog.Debug("described source",
		"url", c.baseURL,
		"payloadType", track.PayloadType,
		"clockRate", track.ClockRate,
		"spropParams", track.Params.Complete())
	return track, nil
}

// Setup binds the video track to the configured transport.
func (c *Client) Setup() error {
	if c.state != StateDescribed {
		return fmt.Errorf("cannot send SETUP in state %s", c.state)
	}

	var transport string
	if c.mode == ModeUDP {
		rtpConn, rtcpConn, rtpPort, err := newUDPPair()
		if err != nil {
			return &TransportError{Op: "udp listen", Err: err}
		}
		c.rtpConn = rtpConn
		c.rtcpConn = rtcpConn
		transport = fmt.Sprintf("%s;%s;client_port=%d-%d", TransportRTPUDP, TransportUnicast, rtpPort, rtpPort+1)
	} else {
		transport = fmt.Sprintf("%s;%s;interleaved=%d-%d", TransportRTPTCP, TransportUnicast, channelRTP, channelRTCP)
	}

	req := NewRequest(MethodSetup, c.setupURL)
	req.SetHeader(HeaderTransport, transport)
	resp, err := c.do(req)
	if err != nil {
		c.closeUDP()
		return err
	}
	if resp.StatusCode != StatusOK {
		c.closeUDP()
		return &ProtocolError{Reason: fmt.Sprintf("SETUP returned %d %s", resp.StatusCode, resp.StatusText)}
	}

	session := resp.GetHeader(HeaderSession)
	if session == "" {
		c.closeUDP()
		return &ProtocolError{Reason: "SETUP response carries no Session header"}
	}
	c.session, c.sessionTimeout = parseSessionHeader(session)

	if c.mode == ModeTCP {
		c.rtpChannel, c.rtcpChannel = parseInterleavedChannels(resp.GetHeader(HeaderTransport))
	}

	c.state = StateSetUp
	slog.Debug("transport set up",
		"url", c.baseURL,
		"session", c.session,
		"timeout", c.sessionTimeout)
	return nil
}

// Play starts delivery. The description's range attribute is passed
// through when present.
func (c *Client) Play() error {
	if c.state != StateSetUp {
		return fmt.Errorf("cannot send PLAY in state %s", c.state)
	}

	req := NewRequest(MethodPlay, c.contentBase)
	if c.track != nil && c.track.Range != "" {
		req.SetHeader(HeaderRange, c.track.Range)
	} else {
		req.SetHeader(HeaderRange, "npt=now-")
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != StatusOK {
		return &ProtocolError{Reason: fmt.Sprintf("PLAY returned %d %s", resp.StatusCode, resp.StatusText)}
	}

	c.state = StatePlaying
	slog.Info("playing", "url", c.baseURL, "mode", c.mode)
	return nil
}

// Stream delivers RTP payloads and RTCP packets until the context is
// canceled or the transport fails. onRTP receives each raw RTP packet
// with its arrival time; onRTCP receives raw RTCP packets. A canceled
// context returns ctx.Err(); everything else is a fault.
func (c *Client) Stream(ctx context.Context, onRTP func(data []byte, arrival time.Time), onRTCP func(data []byte)) error {
	if c.state != StatePlaying {
		return fmt.Errorf("cannot stream in state %s", c.state)
	}

	if c.mode == ModeUDP {
		return c.streamUDP(ctx, onRTP, onRTCP)
	}
	return c.streamInterleaved(ctx, onRTP, onRTCP)
}

// Teardown ends the session. Errors are returned but the session is
// considered closed regardless.
func (c *Client) Teardown() error {
	if c.state != StateSetUp && c.state != StatePlaying {
		return nil
	}
	c.state = StateClosed

	req := NewRequest(MethodTeardown, c.contentBase)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != StatusOK {
		return &ProtocolError{Reason: fmt.Sprintf("TEARDOWN returned %d %s", resp.StatusCode, resp.StatusText)}
	}
	return nil
}

// Close tears the session down best-effort and releases all sockets.
func (c *Client) Close() error {
	if c.state == StateSetUp || c.state == StatePlaying {
		if err := c.Teardown(); err != nil {
			slog.Debug("teardown failed during close", "url", c.baseURL, "err", err)
		}
	}
	c.state = StateClosed

	c.closeUDP()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// streamInterleaved demultiplexes $-framed data from the control
// connection. RTSP responses interspersed between frames are
// keep-alive replies and are discarded.
func (c *Client) streamInterleaved(ctx context.Context, onRTP func([]byte, time.Time), onRTCP func([]byte)) error {
	stop := make(chan struct{})
	defer close(stop)

	kaErr := make(chan error, 1)
	go func() {
		if err := c.keepAliveLoop(ctx, stop, false); err != nil {
			kaErr <- err
			c.conn.SetReadDeadline(time.Now())
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		frame, resp, err := c.reader.ReadInterleaved()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case kerr := <-kaErr:
				return kerr
			default:
			}
			var pe *ProtocolError
			if errors.As(err, &pe) {
				return err
			}
			return &TransportError{Op: "interleaved read", Err: err}
		}

		if resp != nil {
			continue
		}

		switch frame.Channel {
		case c.rtpChannel:
			onRTP(frame.Data, time.Now())
		case c.rtcpChannel:
			onRTCP(frame.Data)
		default:
			// Frames for unknown channels are ignored.
		}
	}
}

// streamUDP reads RTP from the even port and RTCP from the odd one.
// The control connection carries only keep-alives while streaming.
func (c *Client) streamUDP(ctx context.Context, onRTP func([]byte, time.Time), onRTCP func([]byte)) error {
	stop := make(chan struct{})
	defer close(stop)

	kaErr := make(chan error, 1)
	go func() {
		if err := c.keepAliveLoop(ctx, stop, true); err != nil {
			kaErr <- err
			c.rtpConn.SetReadDeadline(time.Now())
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.rtpConn.SetReadDeadline(time.Now())
			c.rtcpConn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()
	go c.readRTCPLoop(stop, onRTCP)

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.rtpConn.SetReadDeadline(time.Now().Add(c.readTimeout))

		n, _, err := c.rtpConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case kerr := <-kaErr:
				return kerr
			default:
			}
			return &TransportError{Op: "rtp read", Err: err}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		onRTP(data, time.Now())
	}
}

// readRTCPLoop drains the RTCP socket until the stream stops. RTCP is
// sparse, so read timeouts just re-arm the deadline.
func (c *Client) readRTCPLoop(stop <-chan struct{}, onRTCP func([]byte)) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}

		c.rtcpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := c.rtcpConn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		onRTCP(data)
	}
}

// keepAliveLoop refreshes the server-side session. The interval is the
// negotiated timeout minus a safety margin. When readReply is set the
// loop also consumes the server's reply from the control connection;
// interleaved mode leaves that to the stream reader.
func (c *Client) keepAliveLoop(ctx context.Context, stop <-chan struct{}, readReply bool) error {
	ticker := time.NewTicker(c.keepAliveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			if err := c.sendKeepAlive(readReply); err != nil {
				return err
			}
		}
	}
}

func (c *Client) keepAliveInterval() time.Duration {
	timeout := c.sessionTimeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	interval := timeout - 3*time.Second
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// sendKeepAlive issues GET_PARAMETER when the server advertises it,
// OPTIONS otherwise.
func (c *Client) sendKeepAlive(readReply bool) error {
	method := MethodOptions
	if c.supportsGetParameter {
		method = MethodGetParam
	}

	req := NewRequest(method, c.baseURL)
	req.SetCSeq(c.nextCSeq())
	req.SetHeader(HeaderUserAgent, c.userAgent)
	if c.session != "" {
		req.SetHeader(HeaderSession, c.session)
	}
	if c.auth != nil {
		req.SetHeader(HeaderAuthorization, c.auth.authorization(method, c.baseURL))
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.readTimeout))
	err := c.writer.WriteRequest(req)
	c.writeMu.Unlock()
	if err != nil {
		return &TransportError{Op: "keep-alive write", Err: err}
	}
	slog.Debug("keep-alive sent", "url", c.baseURL, "method", method)

	if !readReply {
		return nil
	}
	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	if _, err := c.reader.ReadResponse(); err != nil {
		return &TransportError{Op: "keep-alive read", Err: err}
	}
	return nil
}

// do sends a request and applies the single-retry authentication rule:
// the first 401 installs credentials and repeats the request once, a
// second 401 is fatal.
func (c *Client) do(req *Request) (*Response, error) {
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != StatusUnauthorized {
		return resp, nil
	}

	if c.auth != nil {
		return nil, &AuthError{Reason: fmt.Sprintf("server rejected credentials on %s", req.Method)}
	}

	sender, err := newAuthSender(resp.GetHeader(HeaderWWWAuthenticate), c.username, c.password)
	if err != nil {
		return nil, err
	}
	c.auth = sender

	resp, err = c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == StatusUnauthorized {
		return nil, &AuthError{Reason: fmt.Sprintf("server rejected credentials on %s", req.Method)}
	}
	return resp, nil
}

// roundTrip stamps the request, writes it, and reads the matching
// response. A response whose CSeq does not echo the request's is a
// protocol fault.
func (c *Client) roundTrip(req *Request) (*Response, error) {
	cseq := c.nextCSeq()
	req.SetCSeq(cseq)
	req.SetHeader(HeaderUserAgent, c.userAgent)
	if c.session != "" {
		req.SetHeader(HeaderSession, c.session)
	}
	if c.auth != nil {
		req.SetHeader(HeaderAuthorization, c.auth.authorization(req.Method, req.URI))
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.readTimeout))
	err := c.writer.WriteRequest(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, &TransportError{Op: req.Method + " write", Err: err}
	}

	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))

	// Interleaved media frames may still be buffered on the control
	// connection when this runs after streaming (TEARDOWN being the
	// usual case); skip them until the response arrives.
	var resp *Response
	for resp == nil {
		var err error
		_, resp, err = c.reader.ReadInterleaved()
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				return nil, err
			}
			return nil, &TransportError{Op: req.Method + " read", Err: err}
		}
	}

	if resp.CSeq != cseq {
		return nil, &ProtocolError{Reason: fmt.Sprintf("CSeq mismatch on %s: sent %d, got %d", req.Method, cseq, resp.CSeq)}
	}
	return resp, nil
}

func (c *Client) nextCSeq() int {
	c.cseqMu.Lock()
	defer c.cseqMu.Unlock()
	c.cseq++
	return c.cseq
}

func (c *Client) closeUDP() {
	if c.rtpConn != nil {
		c.rtpConn.Close()
		c.rtpConn = nil
	}
	if c.rtcpConn != nil {
		c.rtcpConn.Close()
		c.rtcpConn = nil
	}
}

// newUDPPair binds an even RTP port and the adjacent odd RTCP port.
func newUDPPair() (net.PacketConn, net.PacketConn, int, error) {
	for attempt := 0; attempt < 16; attempt++ {
		rtpConn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, nil, 0, err
		}

		port := rtpConn.LocalAddr().(*net.UDPAddr).Port
		if port%2 != 0 {
			rtpConn.Close()
			continue
		}

		rtcpConn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port+1))
		if err != nil {
			rtpConn.Close()
			continue
		}
		return rtpConn, rtcpConn, port, nil
	}
	return nil, nil, 0, fmt.Errorf("could not bind an even/odd UDP port pair")
}

// parseSessionHeader splits "id;timeout=60" into the session id and
// its timeout. A missing timeout falls back to the RFC default.
func parseSessionHeader(value string) (string, time.Duration) {
	parts := strings.Split(value, ";")
	id := strings.TrimSpace(parts[0])

	timeout := DefaultSessionTimeout
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "timeout="); ok {
			if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
				timeout = time.Duration(seconds) * time.Second
			}
		}
	}
	return id, timeout
}

// parseInterleavedChannels extracts the confirmed channel pair from a
// SETUP response Transport header, defaulting to the requested pair.
func parseInterleavedChannels(transport string) (int, int) {
	for _, part := range strings.Split(transport, ";") {
		part = strings.TrimSpace(part)
		v, ok := strings.CutPrefix(part, "interleaved=")
		if !ok {
			continue
		}
		lo, hi, found := strings.Cut(v, "-")
		if !found {
			continue
		}
		rtpCh, err1 := strconv.Atoi(strings.TrimSpace(lo))
		rtcpCh, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 == nil && err2 == nil {
			return rtpCh, rtcpCh
		}
	}
	return channelRTP, channelRTCP
}
