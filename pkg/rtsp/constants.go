package rtsp

import "time"

// RTSP Methods
const (
	MethodOptions  = "OPTIONS"
	MethodDescribe = "DESCRIBE"
	MethodSetup    = "SETUP"
	MethodPlay     = "PLAY"
	MethodTeardown = "TEARDOWN"
	MethodGetParam = "GET_PARAMETER"
)

// RTSP Status Codes
const (
	StatusOK           = 200
	StatusUnauthorized = 401
	StatusNotFound     = 404
)

// RTSP Headers
const (
	HeaderAccept          = "Accept"
	HeaderAuthorization   = "Authorization"
	HeaderContentBase     = "Content-Base"
	HeaderContentLength   = "Content-Length"
	HeaderContentType     = "Content-Type"
	HeaderCSeq            = "CSeq"
	HeaderPublic          = "Public"
	HeaderRange           = "Range"
	HeaderSession         = "Session"
	HeaderTransport       = "Transport"
	HeaderUserAgent       = "User-Agent"
	HeaderWWWAuthenticate = "WWW-Authenticate"
)

// Transport Protocols
const (
	TransportRTPUDP  = "RTP/AVP"
	TransportRTPTCP  = "RTP/AVP/TCP"
	TransportUnicast = "unicast"
)

// RTSP Version
const RTSPVersion = "RTSP/1.0"

// Default Values
const (
	DefaultRTSPPort       = 554
	DefaultSessionTimeout = 60 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultUserAgent      = "flvtap"

	// Interleaved frames larger than this are treated as a protocol fault.
	maxInterleavedSize = 1 << 17
)

// Interleaved channel assignment requested at SETUP time.
const (
	channelRTP  = 0
	channelRTCP = 1
)
