package h264

// NALUType identifies the type of a NAL unit (H.264 table 7-1 plus the
// RFC 6184 packetization types 24-29).
type NALUType uint8

// NAL unit types
const (
	NALUTypeNonIDR NALUType = 1
	NALUTypeIDR    NALUType = 5
	NALUTypeSEI    NALUType = 6
	NALUTypeSPS    NALUType = 7
	NALUTypePPS    NALUType = 8
	NALUTypeAUD    NALUType = 9

	NALUTypeSTAPA  NALUType = 24
	NALUTypeSTAPB  NALUType = 25
	NALUTypeMTAP16 NALUType = 26
	NALUTypeMTAP24 NALUType = 27
	NALUTypeFUA    NALUType = 28
	NALUTypeFUB    NALUType = 29
)

// String returns the string representation of the NALU type
func (t NALUType) String() string {
	switch t {
	case NALUTypeNonIDR:
		return "NonIDR"
	case NALUTypeIDR:
		return "IDR"
	case NALUTypeSEI:
		return "SEI"
	case NALUTypeSPS:
		return "SPS"
	case NALUTypePPS:
		return "PPS"
	case NALUTypeAUD:
		return "AUD"
	case NALUTypeSTAPA:
		return "STAP-A"
	case NALUTypeSTAPB:
		return "STAP-B"
	case NALUTypeMTAP16:
		return "MTAP16"
	case NALUTypeMTAP24:
		return "MTAP24"
	case NALUTypeFUA:
		return "FU-A"
	case NALUTypeFUB:
		return "FU-B"
	default:
		return "Unknown"
	}
}

// NALU is a single Network Abstraction Layer unit, header byte included.
type NALU []byte

// Type returns the NALU type from the header byte.
func (n NALU) Type() NALUType {
	if len(n) == 0 {
		return 0
	}
	return NALUType(n[0] & 0x1F)
}

// AccessUnit is the set of NAL units composing one video frame.
type AccessUnit struct {
	Timestamp uint32 // RTP timestamp shared by all contained NAL units
	NALUs     []NALU
	Keyframe  bool
}

// Parameters holds the codec configuration extracted from SPS/PPS NAL
// units (in-band or from the session description).
type Parameters struct {
	SPS []byte
	PPS []byte
}

// Complete reports whether both parameter sets are present.
func (p Parameters) Complete() bool {
	return len(p.SPS) > 0 && len(p.PPS) > 0
}

// Equal reports whether two parameter sets are byte-identical.
func (p Parameters) Equal(o Parameters) bool {
	return string(p.SPS) == string(o.SPS) && string(p.PPS) == string(o.PPS)
}
