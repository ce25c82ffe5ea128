package flvtap

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"flvtap/pkg/amf"
	"flvtap/pkg/flv"
	"flvtap/pkg/h264"
	"flvtap/pkg/rtp"
	"flvtap/pkg/rtsp"
	"flvtap/pkg/stats"
)

// session owns one upstream RTSP source: the handshake, the
// RTP → access unit → FLV pipeline, and the timing diagnostics. All
// media flows through this single goroutine; the broadcaster fans it
// out.
type session struct {
	source      string
	cfg         *Config
	broadcaster *Broadcaster
	cancel      context.CancelFunc
	done        chan struct{}
}

func startSession(source string, cfg *Config, broadcaster *Broadcaster) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		source:      source,
		cfg:         cfg,
		broadcaster: broadcaster,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// stop requests teardown. The pipeline goroutine finishes
// asynchronously; the broadcaster is closed on its way out.
func (s *session) stop() {
	s.cancel()
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)

	err := s.pipeline(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("upstream session failed",
			"source", s.source,
			"kind", faultKind(err),
			"err", err)
		s.broadcaster.Close(err)
		return
	}

	slog.Info("upstream session ended", "source", s.source)
	s.broadcaster.Close(nil)
}

// pipeline drives the session from handshake to teardown.
func (s *session) pipeline(ctx context.Context) error {
	mode := rtsp.ModeTCP
	if strings.EqualFold(s.cfg.Stream.Transport, "udp") {
		mode = rtsp.ModeUDP
	}

	client, err := rtsp.NewClient(rtsp.ClientConfig{
		URL:         s.source,
		Mode:        mode,
		ReadTimeout: s.cfg.ReadTimeout(),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.Options(); err != nil {
		return err
	}
	track, err := client.Describe()
	if err != nil {
		return err
	}
	if err := client.Setup(); err != nil {
		return err
	}
	if err := client.Play(); err != nil {
		return err
	}

	depacketizer := h264.NewDepacketizer()
	muxer := flv.NewMuxer(track.ClockRate)
	analyzer := stats.NewAnalyzer(s.source, s.cfg.StatsPeriod(), track.ClockRate)

	metadata, err := flv.MetadataTag(amf.ECMAArray{
		"videocodecid": flv.CodecAVC,
		"duration":     0,
		"encoder":      rtsp.DefaultUserAgent,
	})
	if err != nil {
		return err
	}
	s.broadcaster.SetMetadata(metadata)

	// Parameter sets from the SDP let viewers start before the first
	// in-band SPS/PPS.
	if track.Params.Complete() {
		muxer.SetParameters(track.Params)
		if header, err := flv.SequenceHeaderTag(track.Params); err == nil {
			s.broadcaster.setSequenceHeader(header)
		}
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	pump := &mediaPump{
		source:       s.source,
		broadcaster:  s.broadcaster,
		track:        track,
		depacketizer: depacketizer,
		muxer:        muxer,
		analyzer:     analyzer,
		abort:        cancelStream,
	}
	err = client.Stream(streamCtx, pump.onRTP, analyzer.OnRTCP)
	if pump.fatal != nil {
		return pump.fatal
	}
	return err
}

// mediaPump carries the per-packet pipeline state between Stream
// callbacks, which all run on the session goroutine. A fault the
// stream cannot recover from is recorded in fatal and abort stops the
// stream so the pipeline can surface it.
type mediaPump struct {
	source       string
	broadcaster  *Broadcaster
	track        *rtsp.Track
	depacketizer *h264.Depacketizer
	muxer        *flv.Muxer
	analyzer     *stats.Analyzer
	abort        context.CancelFunc

	fatal    error
	lastLost uint64
}

func (p *mediaPump) onRTP(data []byte, arrival time.Time) {
	if p.fatal != nil {
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		slog.Warn("discarding malformed RTP packet", "source", p.source, "err", err)
		return
	}

	if pkt.Header.PayloadType != p.track.PayloadType {
		// Other payload types on the same transport are not ours.
		return
	}

	units, err := p.depacketizer.Push(&pkt)
	if err != nil {
		if errors.Is(err, h264.ErrUnsupportedPayload) {
			// The depacketizer cannot interpret this stream at all, so
			// the session ends instead of leaving viewers waiting.
			p.fatal = &rtsp.UnsupportedError{Reason: err.Error()}
			slog.Error("stream uses an unsupported RTP payload mode", "source", p.source, "err", err)
			p.abort()
			return
		}
		slog.Warn("discarding undecodable RTP packet", "source", p.source, "err", err)
	}

	if lost := p.depacketizer.Lost(); lost > p.lastLost {
		p.analyzer.OnLoss(int(lost - p.lastLost))
		p.lastLost = lost
	}

	for _, au := range units {
		p.analyzer.OnAccessUnit(au.Timestamp, au.Keyframe, arrival)

		p.muxer.SetParameters(p.depacketizer.Parameters())
		tags, err := p.muxer.Mux(au)
		if err != nil {
			slog.Warn("failed to mux access unit", "source", p.source, "err", err)
			continue
		}
		for _, tag := range tags {
			p.broadcaster.Publish(tag)
		}
	}
}

// faultKind classifies an error for logs, mirroring the exported error
// taxonomy of pkg/rtsp.
func faultKind(err error) string {
	var protocol *rtsp.ProtocolError
	var transport *rtsp.TransportError
	var unsupported *rtsp.UnsupportedError
	var auth *rtsp.AuthError

	switch {
	case errors.As(err, &auth):
		return "auth"
	case errors.As(err, &unsupported):
		return "unsupported"
	case errors.As(err, &protocol):
		return "protocol"
	case errors.As(err, &transport):
		return "transport"
	case errors.Is(err, rtp.ErrMalformed):
		return "protocol"
	default:
		return "internal"
	}
}
