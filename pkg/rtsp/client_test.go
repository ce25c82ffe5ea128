package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testRequest is a minimal parsed request for driving canned servers.
type testRequest struct {
	method  string
	uri     string
	headers map[string]string
}

func (r *testRequest) cseq() string {
	for k, v := range r.headers {
		if strings.EqualFold(k, HeaderCSeq) {
			return v
		}
	}
	return "0"
}

func readTestRequest(t *testing.T, br *bufio.Reader) *testRequest {
	t.Helper()

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	require.Len(t, parts, 3)

	req := &testRequest{method: parts[0], uri: parts[1], headers: make(map[string]string)}
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return req
		}
		key, value, ok := strings.Cut(line, ":")
		require.True(t, ok)
		req.headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

func writeTestResponse(conn net.Conn, cseq string, status int, headers map[string]string, body string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "RTSP/1.0 %d %s\r\n", status, map[int]string{200: "OK", 401: "Unauthorized", 404: "Not Found"}[status])
	fmt.Fprintf(&sb, "CSeq: %s\r\n", cseq)
	for k, v := range headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	if body != "" {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	}
	sb.WriteString("\r\n")
	sb.WriteString(body)
	conn.Write([]byte(sb.String()))
}

// startTestServer accepts one connection and hands it to handle.
func startTestServer(t *testing.T, handle func(conn net.Conn, br *bufio.Reader)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, bufio.NewReader(conn))
	}()

	return "rtsp://" + ln.Addr().String() + "/stream"
}

func TestClientHandshake(t *testing.T) {
	url := startTestServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(t, br)
		require.Equal(t, MethodOptions, req.method)
		writeTestResponse(conn, req.cseq(), 200, map[string]string{
			HeaderPublic: "OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN, GET_PARAMETER",
		}, "")

		req = readTestRequest(t, br)
		require.Equal(t, MethodDescribe, req.method)
		require.Equal(t, "application/sdp", req.headers[HeaderAccept])
		describeURI := req.uri
		writeTestResponse(conn, req.cseq(), 200, map[string]string{
			HeaderContentType: "application/sdp",
			HeaderContentBase: req.uri + "/",
		}, describeSDP)

		req = readTestRequest(t, br)
		require.Equal(t, MethodSetup, req.method)
		require.Equal(t, describeURI+"/trackID=0", req.uri)
		require.Contains(t, req.headers[HeaderTransport], "interleaved=0-1")
		writeTestResponse(conn, req.cseq(), 200, map[string]string{
			HeaderSession:   "ABCD1234;timeout=30",
			HeaderTransport: "RTP/AVP/TCP;unicast;interleaved=0-1",
		}, "")

		req = readTestRequest(t, br)
		require.Equal(t, MethodPlay, req.method)
		require.Equal(t, "ABCD1234", req.headers[HeaderSession])
		require.Equal(t, "npt=0-", req.headers[HeaderRange])
		writeTestResponse(conn, req.cseq(), 200, nil, "")

		req = readTestRequest(t, br)
		require.Equal(t, MethodTeardown, req.method)
		writeTestResponse(conn, req.cseq(), 200, nil, "")
	})

	client, err := NewClient(ClientConfig{URL: url, ReadTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Options())
	require.True(t, client.supportsGetParameter)

	track, err := client.Describe()
	require.NoError(t, err)
	require.Equal(t, 90000, track.ClockRate)
	require.Equal(t, StateDescribed, client.State())

	require.NoError(t, client.Setup())
	require.Equal(t, "ABCD1234", client.session)
	require.Equal(t, 30*time.Second, client.sessionTimeout)

	require.NoError(t, client.Play())
	require.Equal(t, StatePlaying, client.State())

	require.NoError(t, client.Teardown())
}

func TestClientDigestRetry(t *testing.T) {
	const realm, nonce = "IP Camera", "f00dcafe"

	url := startTestServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(t, br)
		require.Equal(t, MethodOptions, req.method)
		require.Empty(t, req.headers[HeaderAuthorization])
		writeTestResponse(conn, req.cseq(), 401, map[string]string{
			HeaderWWWAuthenticate: fmt.Sprintf(`Digest realm="%s", nonce="%s"`, realm, nonce),
		}, "")

		req = readTestRequest(t, br)
		require.Equal(t, MethodOptions, req.method)

		ha1 := md5Hex("admin:" + realm + ":secret")
		ha2 := md5Hex(MethodOptions + ":" + req.uri)
		expected := md5Hex(ha1 + ":" + nonce + ":" + ha2)
		require.Contains(t, req.headers[HeaderAuthorization], `response="`+expected+`"`)

		writeTestResponse(conn, req.cseq(), 200, map[string]string{
			HeaderPublic: "OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN",
		}, "")
	})

	// Inject credentials into the source URL.
	authURL := strings.Replace(url, "rtsp://", "rtsp://admin:secret@", 1)

	client, err := NewClient(ClientConfig{URL: authURL, ReadTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	// The credential-free URL is what goes on the wire.
	require.NotContains(t, client.URL(), "admin")

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Options())
}

func TestClientSecondUnauthorizedIsFatal(t *testing.T) {
	challenge := map[string]string{HeaderWWWAuthenticate: `Digest realm="cam", nonce="n1"`}

	url := startTestServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(t, br)
		writeTestResponse(conn, req.cseq(), 401, challenge, "")
		req = readTestRequest(t, br)
		writeTestResponse(conn, req.cseq(), 401, challenge, "")
	})

	authURL := strings.Replace(url, "rtsp://", "rtsp://admin:wrong@", 1)
	client, err := NewClient(ClientConfig{URL: authURL, ReadTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	err = client.Options()

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
}

func TestClientCSeqMismatch(t *testing.T) {
	url := startTestServer(t, func(conn net.Conn, br *bufio.Reader) {
		readTestRequest(t, br)
		writeTestResponse(conn, "999", 200, nil, "")
	})

	client, err := NewClient(ClientConfig{URL: url, ReadTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	err = client.Options()

	var protocol *ProtocolError
	require.True(t, errors.As(err, &protocol))
}

func TestClientStreamInterleaved(t *testing.T) {
	frames := make(chan []byte, 4)
	rtcp := make(chan []byte, 4)

	url := startTestServer(t, func(conn net.Conn, br *bufio.Reader) {
		for _, method := range []string{MethodOptions, MethodDescribe, MethodSetup, MethodPlay} {
			req := readTestRequest(t, br)
			require.Equal(t, method, req.method)
			switch method {
			case MethodDescribe:
				writeTestResponse(conn, req.cseq(), 200, map[string]string{
					HeaderContentType: "application/sdp",
				}, describeSDP)
			case MethodSetup:
				writeTestResponse(conn, req.cseq(), 200, map[string]string{
					HeaderSession: "S1;timeout=60",
				}, "")
			default:
				writeTestResponse(conn, req.cseq(), 200, nil, "")
			}
		}

		// Two RTP frames, a stray keep-alive reply, one RTCP frame.
		conn.Write([]byte{'$', 0, 0, 3, 1, 2, 3})
		conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 42\r\n\r\n"))
		conn.Write([]byte{'$', 0, 0, 2, 4, 5})
		conn.Write([]byte{'$', 1, 0, 1, 9})

		// Hold the connection open until the client tears down.
		readTestRequest(t, br)
	})

	client, err := NewClient(ClientConfig{URL: url, ReadTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Options())
	_, err = client.Describe()
	require.NoError(t, err)
	require.NoError(t, client.Setup())
	require.NoError(t, client.Play())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Stream(ctx,
			func(data []byte, _ time.Time) { frames <- data },
			func(data []byte) { rtcp <- data })
	}()

	require.Equal(t, []byte{1, 2, 3}, <-frames)
	require.Equal(t, []byte{4, 5}, <-frames)
	require.Equal(t, []byte{9}, <-rtcp)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestClientStreamUDP(t *testing.T) {
	frames := make(chan []byte, 4)
	rtcp := make(chan []byte, 4)
	ports := make(chan [2]int, 1)

	url := startTestServer(t, func(conn net.Conn, br *bufio.Reader) {
		for _, method := range []string{MethodOptions, MethodDescribe, MethodSetup, MethodPlay} {
			req := readTestRequest(t, br)
			require.Equal(t, method, req.method)
			switch method {
			case MethodDescribe:
				writeTestResponse(conn, req.cseq(), 200, map[string]string{
					HeaderContentType: "application/sdp",
				}, describeSDP)
			case MethodSetup:
				transport := req.headers[HeaderTransport]
				require.Contains(t, transport, TransportRTPUDP+";"+TransportUnicast)

				idx := strings.Index(transport, "client_port=")
				require.GreaterOrEqual(t, idx, 0)
				var rtpPort, rtcpPort int
				_, err := fmt.Sscanf(transport[idx:], "client_port=%d-%d", &rtpPort, &rtcpPort)
				require.NoError(t, err)
				require.Zero(t, rtpPort%2)
				require.Equal(t, rtpPort+1, rtcpPort)
				ports <- [2]int{rtpPort, rtcpPort}

				writeTestResponse(conn, req.cseq(), 200, map[string]string{
					HeaderSession: "U1;timeout=60",
					HeaderTransport: fmt.Sprintf("%s;%s;client_port=%d-%d;server_port=5000-5001",
						TransportRTPUDP, TransportUnicast, rtpPort, rtcpPort),
				}, "")
			default:
				writeTestResponse(conn, req.cseq(), 200, nil, "")
			}
		}

		req := readTestRequest(t, br)
		require.Equal(t, MethodTeardown, req.method)
		writeTestResponse(conn, req.cseq(), 200, nil, "")
	})

	client, err := NewClient(ClientConfig{URL: url, Mode: ModeUDP, ReadTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Options())
	_, err = client.Describe()
	require.NoError(t, err)
	require.NoError(t, client.Setup())
	require.NoError(t, client.Play())

	p := <-ports

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Stream(ctx,
			func(data []byte, _ time.Time) { frames <- data },
			func(data []byte) { rtcp <- data })
	}()

	// The sockets are bound since SETUP, so nothing is lost even if the
	// stream loop is not running yet.
	rtpSender, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", p[0]))
	require.NoError(t, err)
	defer rtpSender.Close()
	rtcpSender, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", p[1]))
	require.NoError(t, err)
	defer rtcpSender.Close()

	_, err = rtpSender.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = rtpSender.Write([]byte{4, 5})
	require.NoError(t, err)
	_, err = rtcpSender.Write([]byte{9})
	require.NoError(t, err)

	require.Equal(t, []byte{1, 2, 3}, <-frames)
	require.Equal(t, []byte{4, 5}, <-frames)
	require.Equal(t, []byte{9}, <-rtcp)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}

	require.NoError(t, client.Teardown())
}

func TestClientTeardownAfterInterleavedFrames(t *testing.T) {
	url := startTestServer(t, func(conn net.Conn, br *bufio.Reader) {
		for _, method := range []string{MethodOptions, MethodDescribe, MethodSetup, MethodPlay} {
			req := readTestRequest(t, br)
			require.Equal(t, method, req.method)
			switch method {
			case MethodDescribe:
				writeTestResponse(conn, req.cseq(), 200, map[string]string{
					HeaderContentType: "application/sdp",
				}, describeSDP)
			case MethodSetup:
				writeTestResponse(conn, req.cseq(), 200, map[string]string{
					HeaderSession: "T1;timeout=60",
				}, "")
			default:
				writeTestResponse(conn, req.cseq(), 200, nil, "")
			}
		}

		// Frames already in flight when the client decides to stop.
		conn.Write([]byte{'$', 0, 0, 3, 1, 2, 3})
		conn.Write([]byte{'$', 1, 0, 1, 9})

		req := readTestRequest(t, br)
		require.Equal(t, MethodTeardown, req.method)
		writeTestResponse(conn, req.cseq(), 200, nil, "")
	})

	client, err := NewClient(ClientConfig{URL: url, ReadTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Options())
	_, err = client.Describe()
	require.NoError(t, err)
	require.NoError(t, client.Setup())
	require.NoError(t, client.Play())

	// Give the frames time to land in the client's read buffer.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, client.Teardown())
}

func TestNewClientURLValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{URL: "http://cam.local/stream"})
	require.Error(t, err)

	_, err = NewClient(ClientConfig{URL: "rtsp://"})
	require.Error(t, err)

	client, err := NewClient(ClientConfig{URL: "rtsp://cam.local/stream"})
	require.NoError(t, err)
	require.Equal(t, "rtsp://cam.local:554/stream", client.URL())

	client, err = NewClient(ClientConfig{URL: "rtsp://user:pw@cam.local:8554/stream"})
	require.NoError(t, err)
	require.Equal(t, "rtsp://cam.local:8554/stream", client.URL())
	require.Equal(t, "user", client.username)
	require.Equal(t, "pw", client.password)
}

func TestParseSessionHeader(t *testing.T) {
	id, timeout := parseSessionHeader("ABCD1234;timeout=45")
	require.Equal(t, "ABCD1234", id)
	require.Equal(t, 45*time.Second, timeout)

	id, timeout = parseSessionHeader("ABCD1234")
	require.Equal(t, "ABCD1234", id)
	require.Equal(t, DefaultSessionTimeout, timeout)
}

func TestParseInterleavedChannels(t *testing.T) {
	rtpCh, rtcpCh := parseInterleavedChannels("RTP/AVP/TCP;unicast;interleaved=2-3")
	require.Equal(t, 2, rtpCh)
	require.Equal(t, 3, rtcpCh)

	rtpCh, rtcpCh = parseInterleavedChannels("RTP/AVP/TCP;unicast")
	require.Equal(t, channelRTP, rtpCh)
	require.Equal(t, channelRTCP, rtcpCh)
}

func TestKeepAliveInterval(t *testing.T) {
	c := &Client{sessionTimeout: 30 * time.Second}
	require.Equal(t, 27*time.Second, c.keepAliveInterval())

	c = &Client{sessionTimeout: 2 * time.Second}
	require.Equal(t, time.Second, c.keepAliveInterval())

	c = &Client{}
	require.Equal(t, DefaultSessionTimeout-3*time.Second, c.keepAliveInterval())
}
