package rtsp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// InterleavedFrame is one $-framed binary payload multiplexed onto the
// RTSP control connection while playing.
type InterleavedFrame struct {
	Channel int
	Data    []byte
}

// MessageReader handles RTSP message parsing
type MessageReader struct {
	reader *bufio.Reader
}

// NewMessageReader creates a new RTSP message reader
func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{
		reader: bufio.NewReader(r),
	}
}

// ReadResponse reads and parses an RTSP response
func (mr *MessageReader) ReadResponse() (*Response, error) {
	// Read status line
	line, err := mr.readLine()
	if err != nil {
		return nil, fmt.Errorf("failed to read status line: %w", err)
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid status line: %q", line)}
	}

	statusCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid status code: %q", parts[1])}
	}

	statusText := ""
	if len(parts) == 3 {
		statusText = parts[2]
	}

	response := &Response{
		Version:    parts[0],
		StatusCode: statusCode,
		StatusText: statusText,
		Headers:    make(map[string]string),
	}

	// Read headers
	if err := mr.readHeaders(response.Headers); err != nil {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}

	// Parse CSeq
	if cseqStr := response.GetHeader(HeaderCSeq); cseqStr != "" {
		if cseq, err := strconv.Atoi(cseqStr); err == nil {
			response.CSeq = cseq
		}
	}

	// Read body if Content-Length is specified
	if contentLengthStr := response.GetHeader(HeaderContentLength); contentLengthStr != "" {
		contentLength, err := strconv.Atoi(contentLengthStr)
		if err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("invalid content length: %q", contentLengthStr)}
		}

		if contentLength > 0 {
			response.Body = make([]byte, contentLength)
			if _, err := io.ReadFull(mr.reader, response.Body); err != nil {
				return nil, fmt.Errorf("failed to read body: %w", err)
			}
		}
	}

	return response, nil
}

// ReadInterleaved reads the next message from a connection carrying
// interleaved binary data. Exactly one of the return values is non-nil
// on success: a $-framed frame, or an RTSP response interspersed
// between frames (typically a keep-alive reply).
func (mr *MessageReader) ReadInterleaved() (*InterleavedFrame, *Response, error) {
	b, err := mr.reader.ReadByte()
	if err != nil {
		return nil, nil, err
	}

	if b != '$' {
		if err := mr.reader.UnreadByte(); err != nil {
			return nil, nil, err
		}
		resp, err := mr.ReadResponse()
		if err != nil {
			return nil, nil, err
		}
		return nil, resp, nil
	}

	var header [3]byte
	if _, err := io.ReadFull(mr.reader, header[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	length := int(binary.BigEndian.Uint16(header[1:3]))
	if length > maxInterleavedSize {
		return nil, nil, &ProtocolError{Reason: fmt.Sprintf("interleaved frame too large: %d bytes", length)}
	}

	frame := &InterleavedFrame{
		Channel: int(header[0]),
		Data:    make([]byte, length),
	}
	if _, err := io.ReadFull(mr.reader, frame.Data); err != nil {
		return nil, nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	return frame, nil, nil
}

// readLine reads a line from the reader (removes \r\n)
func (mr *MessageReader) readLine() (string, error) {
	line, err := mr.reader.ReadString('\n')
	if err != nil {
		return "", err
	}

	// Remove \r\n
	line = strings.TrimRight(line, "\r\n")
	return line, nil
}

// readHeaders reads headers until an empty line
func (mr *MessageReader) readHeaders(headers map[string]string) error {
	for {
		line, err := mr.readLine()
		if err != nil {
			return err
		}

		// Empty line means end of headers
		if line == "" {
			break
		}

		// Parse header
		colonIndex := strings.Index(line, ":")
		if colonIndex == -1 {
			continue // Skip invalid header lines
		}

		key := strings.TrimSpace(line[:colonIndex])
		value := strings.TrimSpace(line[colonIndex+1:])
		headers[key] = value
	}

	return nil
}
