// Package request builds the protobuf request body the driver POSTs on
// every round-trip: the session's current state serialized into the
// top-level fields the SABR server expects.
package request

import (
	"github.com/jmylchreest/sabrfetch/pkg/sabr/session"
	"github.com/jmylchreest/sabrfetch/pkg/sabr/wire"
)

// Top-level request field numbers.
const (
	fieldClientAbrState      = 1
	fieldFormatId            = 2
	fieldBufferedRange       = 3
	fieldUstreamerConfig     = 5
	fieldPreferredAudioFmt   = 16
	fieldStreamerContext     = 19
)

// client_abr_state submessage field numbers.
const (
	fieldPlayerTimeMs = 28
	fieldField40      = 40
	fieldField46      = 46
	fieldField76      = 76
)

// FormatId submessage field numbers.
const (
	fieldFormatItag  = 1
	fieldFormatLmt   = 2
	fieldFormatXTags = 3
)

// BufferedRange submessage field numbers.
const (
	fieldRangeFormatId            = 1
	fieldRangeStartTimeMs         = 2
	fieldRangeDurationMs          = 3
	fieldRangeStartSequenceNumber = 4
	fieldRangeEndSequenceNumber   = 5
	fieldRangeTimeRange           = 6
)

// TimeRange submessage field numbers.
const (
	fieldTimeRangeStartTimeMs = 1
	fieldTimeRangeDurationMs  = 2
	fieldTimeRangeTimescale   = 3
)

// TimeRange timescale ticks per second.
const timeRangeTimescale = 1000

// streamer_context submessage field numbers.
const (
	fieldContextClientInfo      = 1
	fieldContextPoToken         = 2
	fieldContextPlaybackCookie  = 3
	fieldContextSabrContext     = 5
	fieldContextUnsentType      = 6
)

// ClientInfo submessage field numbers.
const (
	fieldClientInfoHL            = 1
	fieldClientInfoGL            = 2
	fieldClientInfoVisitorData   = 14
	fieldClientInfoUserAgent     = 15
	fieldClientInfoClientName    = 16
	fieldClientInfoClientVersion = 17
)

// SabrContext submessage field numbers.
const (
	fieldSabrContextType  = 1
	fieldSabrContextValue = 2
)

// ClientInfo carries the session-global host identity echoed in every
// request's streamer_context.
type ClientInfo struct {
	HL            string
	GL            string
	VisitorData   string
	UserAgent     string
	ClientName    int64
	ClientVersion string
}

// Options carries the per-fetch values the request builder needs beyond
// what already lives in the session: the poToken, ustreamer config, and the
// host's ClientInfo.
type Options struct {
	ClientInfo       ClientInfo
	PoToken          []byte
	UstreamerConfig  []byte
}

// Build serializes sess's current state and send into the top-level request
// body.
func Build(sess *session.Session, send session.SendState, opts Options) []byte {
	w := wire.NewWriter()

	w.SubmessageField(fieldClientAbrState, func(sub *wire.Writer) {
		sub.VarintField(fieldPlayerTimeMs, uint64(sess.PlayerTimeMs))
		sub.VarintField(fieldField40, 1)
		sub.VarintField(fieldField46, 1)
		sub.VarintField(fieldField76, 1)
	})

	for _, f := range sess.InitializedFormats {
		fid := f.FormatId()
		w.SubmessageField(fieldFormatId, func(sub *wire.Writer) {
			writeFormatId(sub, fid)
		})
	}

	for _, f := range sess.InitializedFormats {
		fid := f.FormatId()
		for _, r := range f.ConsumedRanges {
			rng := r
			w.SubmessageField(fieldBufferedRange, func(sub *wire.Writer) {
				writeBufferedRange(sub, fid, rng)
			})
		}
	}

	if len(opts.UstreamerConfig) > 0 {
		w.BytesField(fieldUstreamerConfig, opts.UstreamerConfig)
	}

	w.SubmessageField(fieldPreferredAudioFmt, func(sub *wire.Writer) {
		writeFormatId(sub, session.FormatId{Itag: sess.PreferredItag, Lmt: sess.PreferredLmt})
	})

	w.SubmessageField(fieldStreamerContext, func(sub *wire.Writer) {
		writeStreamerContext(sub, sess, send, opts)
	})

	return w.Bytes()
}

func writeFormatId(w *wire.Writer, fid session.FormatId) {
	w.VarintField(fieldFormatItag, uint64(fid.Itag))
	if fid.Lmt > 0 {
		w.VarintField(fieldFormatLmt, uint64(fid.Lmt))
	}
	if fid.XTags != "" {
		w.StringField(fieldFormatXTags, fid.XTags)
	}
}

func writeBufferedRange(w *wire.Writer, fid session.FormatId, r session.ConsumedRange) {
	w.SubmessageField(fieldRangeFormatId, func(sub *wire.Writer) {
		writeFormatId(sub, fid)
	})
	w.VarintField(fieldRangeStartTimeMs, uint64(r.StartTimeMs))
	w.VarintField(fieldRangeDurationMs, uint64(r.DurationMs))
	w.VarintField(fieldRangeStartSequenceNumber, uint64(r.StartSequenceNumber))
	w.VarintField(fieldRangeEndSequenceNumber, uint64(r.EndSequenceNumber))
	w.SubmessageField(fieldRangeTimeRange, func(sub *wire.Writer) {
		sub.VarintField(fieldTimeRangeStartTimeMs, uint64(r.StartTimeMs))
		sub.VarintField(fieldTimeRangeDurationMs, uint64(r.DurationMs))
		sub.VarintField(fieldTimeRangeTimescale, timeRangeTimescale)
	})
}

func writeStreamerContext(w *wire.Writer, sess *session.Session, send session.SendState, opts Options) {
	w.SubmessageField(fieldContextClientInfo, func(sub *wire.Writer) {
		writeClientInfo(sub, opts.ClientInfo)
	})
	if len(opts.PoToken) > 0 {
		w.BytesField(fieldContextPoToken, opts.PoToken)
	}
	if len(sess.PlaybackCookie) > 0 {
		w.BytesField(fieldContextPlaybackCookie, sess.PlaybackCookie)
	}
	for _, ctx := range send.Contexts {
		c := ctx
		w.SubmessageField(fieldContextSabrContext, func(sub *wire.Writer) {
			sub.VarintField(fieldSabrContextType, uint64(c.Type))
			sub.BytesField(fieldSabrContextValue, c.Value)
		})
	}
	for _, t := range send.Unsent {
		w.VarintField(fieldContextUnsentType, uint64(t))
	}
}

// writeClientInfo emits the fuller ClientInfo variant: hl/gl/visitorData/
// userAgent alongside the mandatory clientName and optional clientVersion.
func writeClientInfo(w *wire.Writer, ci ClientInfo) {
	if ci.HL != "" {
		w.StringField(fieldClientInfoHL, ci.HL)
	}
	if ci.GL != "" {
		w.StringField(fieldClientInfoGL, ci.GL)
	}
	if ci.VisitorData != "" {
		w.StringField(fieldClientInfoVisitorData, ci.VisitorData)
	}
	if ci.UserAgent != "" {
		w.StringField(fieldClientInfoUserAgent, ci.UserAgent)
	}
	w.VarintField(fieldClientInfoClientName, uint64(ci.ClientName))
	if ci.ClientVersion != "" {
		w.StringField(fieldClientInfoClientVersion, ci.ClientVersion)
	}
}
