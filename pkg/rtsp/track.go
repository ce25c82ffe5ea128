package rtsp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"flvtap/pkg/h264"
)

// Track describes the H264 video media selected from an SDP session
// description.
type Track struct {
	// Control is the media control attribute, possibly relative to the
	// session base URL.
	Control string

	// PayloadType is the dynamic RTP payload type bound to H264.
	PayloadType uint8

	// ClockRate is the RTP clock rate declared in the rtpmap, in Hz.
	ClockRate int

	// Params holds SPS/PPS when the description carries
	// sprop-parameter-sets. May be incomplete; the stream supplies
	// parameter sets in-band in that case.
	Params h264.Parameters

	// Range is the session-level a=range attribute, passed through to
	// PLAY when present.
	Range string
}

// ParseDescription extracts the first H264 video track from an SDP
// body. A description without a video media, or whose video media is
// not H264, yields an UnsupportedError.
func ParseDescription(body []byte) (*Track, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid SDP: %v", err)}
	}

	var video *sdp.MediaDescription
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media == "video" {
			video = media
			break
		}
	}
	if video == nil {
		return nil, &UnsupportedError{Reason: "description has no video media"}
	}

	track := &Track{
		Control: getAttribute(video.Attributes, "control"),
		Range:   getAttribute(desc.Attributes, "range"),
	}
	if track.Control == "" {
		track.Control = getAttribute(desc.Attributes, "control")
	}

	// Find the format whose rtpmap names H264.
	found := false
	for _, format := range video.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}

		rtpmap := getFormatAttribute(video.Attributes, format, "rtpmap")
		if rtpmap == "" {
			continue
		}

		encoding, clockRate, err := parseRTPMap(rtpmap)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(encoding, "H264") {
			continue
		}

		track.PayloadType = uint8(pt)
		track.ClockRate = clockRate
		found = true

		if fmtp := getFormatAttribute(video.Attributes, format, "fmtp"); fmtp != "" {
			params, err := parseSpropParameterSets(fmtp)
			if err != nil {
				return nil, err
			}
			track.Params = params
		}
		break
	}
	if !found {
		return nil, &UnsupportedError{Reason: "video media is not H264"}
	}

	if track.ClockRate <= 0 {
		return nil, &ProtocolError{Reason: "rtpmap declares no clock rate"}
	}

	return track, nil
}

// resolveControl joins a track control attribute with the session base
// URL per RFC 2326 section C.1.1.
func resolveControl(base, control string) string {
	switch {
	case control == "" || control == "*":
		return base
	case strings.HasPrefix(control, "rtsp://") || strings.HasPrefix(control, "rtsps://"):
		return control
	default:
		if strings.HasSuffix(base, "/") {
			return base + control
		}
		return base + "/" + control
	}
}

// parseRTPMap splits "<encoding>/<clock rate>[/<params>]" out of an
// rtpmap attribute value such as "96 H264/90000".
func parseRTPMap(value string) (string, int, error) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return "", 0, &ProtocolError{Reason: fmt.Sprintf("invalid rtpmap: %q", value)}
	}

	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 {
		return "", 0, &ProtocolError{Reason: fmt.Sprintf("invalid rtpmap: %q", value)}
	}

	clockRate, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, &ProtocolError{Reason: fmt.Sprintf("invalid rtpmap clock rate: %q", parts[1])}
	}

	return parts[0], clockRate, nil
}

// parseSpropParameterSets pulls SPS and PPS out of an fmtp attribute.
// Each set is base64; a stray Annex-B start code prefix is tolerated
// and removed.
func parseSpropParameterSets(fmtp string) (h264.Parameters, error) {
	var params h264.Parameters

	fields := strings.SplitN(fmtp, " ", 2)
	if len(fields) != 2 {
		return params, nil
	}

	for _, pair := range strings.Split(fields[1], ";") {
		pair = strings.TrimSpace(pair)
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key != "sprop-parameter-sets" {
			continue
		}

		for _, encoded := range strings.Split(value, ",") {
			nalu, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return params, &ProtocolError{Reason: fmt.Sprintf("invalid sprop-parameter-sets: %v", err)}
			}
			nalu = trimStartCode(nalu)
			if len(nalu) == 0 {
				continue
			}

			switch h264.NALU(nalu).Type() {
			case h264.NALUTypeSPS:
				params.SPS = nalu
			case h264.NALUTypePPS:
				params.PPS = nalu
			}
		}
	}

	return params, nil
}

func trimStartCode(nalu []byte) []byte {
	if bytes.HasPrefix(nalu, []byte{0, 0, 0, 1}) {
		return nalu[4:]
	}
	if bytes.HasPrefix(nalu, []byte{0, 0, 1}) {
		return nalu[3:]
	}
	return nalu
}

// getAttribute returns the first attribute with the given key.
func getAttribute(attributes []sdp.Attribute, key string) string {
	for _, attr := range attributes {
		if attr.Key == key {
			return attr.Value
		}
	}
	return ""
}

// getFormatAttribute returns the attribute bound to one payload type,
// with the payload type prefix still attached.
func getFormatAttribute(attributes []sdp.Attribute, payloadType, key string) string {
	prefix := payloadType + " "
	for _, attr := range attributes {
		if attr.Key == key && strings.HasPrefix(attr.Value, prefix) {
			return attr.Value
		}
	}
	return ""
}
