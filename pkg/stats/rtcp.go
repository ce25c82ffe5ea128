package stats

import (
	"log/slog"

	"github.com/pion/rtcp"
)

// OnRTCP parses a compound RTCP packet received on the paired channel
// and logs sender reports. Anything unparseable is ignored: RTCP is
// diagnostic input only and must never fault the session.
func (a *Analyzer) OnRTCP(data []byte) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		slog.Debug("ignoring unparseable RTCP packet", "source", a.source, "err", err)
		return
	}

	for _, packet := range packets {
		if sr, ok := packet.(*rtcp.SenderReport); ok {
			slog.Debug("RTCP sender report",
				"source", a.source,
				"ssrc", sr.SSRC,
				"ntpTime", sr.NTPTime,
				"rtpTime", sr.RTPTime,
				"packets", sr.PacketCount,
				"octets", sr.OctetCount)
		}
	}
}
