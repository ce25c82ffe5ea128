package rtsp

import (
	"fmt"
	"strconv"
	"strings"
)

// Request represents an RTSP request
type Request struct {
	Method  string
	URI     string
	Version string
	Headers map[string]string
	Body    []byte
	CSeq    int
}

// Response represents an RTSP response
type Response struct {
	Version    string
	StatusCode int
	StatusText string
	Headers    map[string]string
	Body       []byte
	CSeq       int
}

// NewRequest creates a new RTSP request
func NewRequest(method, uri string) *Request {
	return &Request{
		Method:  method,
		URI:     uri,
		Version: RTSPVersion,
		Headers: make(map[string]string),
	}
}

// SetHeader sets a header value
func (r *Request) SetHeader(key, value string) {
	r.Headers[key] = value
}

// GetHeader gets a header value
func (r *Request) GetHeader(key string) string {
	return r.Headers[key]
}

// SetCSeq sets the CSeq header and field
func (r *Request) SetCSeq(cseq int) {
	r.CSeq = cseq
	r.Headers[HeaderCSeq] = strconv.Itoa(cseq)
}

// GetHeader gets a header value. Lookup is case-insensitive because
// servers disagree on header capitalization.
func (r *Response) GetHeader(key string) string {
	if v, ok := r.Headers[key]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// String returns the string representation of the request
func (r *Request) String() string {
	var sb strings.Builder

	// Request line
	sb.WriteString(fmt.Sprintf("%s %s %s\r\n", r.Method, r.URI, r.Version))

	// Headers
	for key, value := range r.Headers {
		sb.WriteString(fmt.Sprintf("%s: %s\r\n", key, value))
	}

	// Empty line
	sb.WriteString("\r\n")

	// Body
	if len(r.Body) > 0 {
		sb.Write(r.Body)
	}

	return sb.String()
}

// Bytes returns the byte representation of the request
func (r *Request) Bytes() []byte {
	return []byte(r.String())
}
