package rtsp

import "fmt"

// ProtocolError indicates the peer violated the RTSP protocol: a
// malformed message, an unexpected CSeq, or a non-success status where
// success is required.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// TransportError wraps a network failure (dial, read, write, timeout).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UnsupportedError indicates the source is valid but outside what this
// client handles, such as a non-H264 codec or a missing video track.
type UnsupportedError struct {
	Reason string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported source: %s", e.Reason)
}

// AuthError indicates authentication failed: no usable credentials, an
// unsupported challenge scheme, or a rejected retry.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}
