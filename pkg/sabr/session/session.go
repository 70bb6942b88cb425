// Package session holds the SABR per-fetch state model: formats the server
// has initialized, the byte ranges already consumed for each, the contexts
// the server has pushed and which of them the client must echo back, and
// the driver's own bookkeeping (request number, player time, stall
// counter).
package session

import (
	"fmt"
	"math"
)

// SentinelEndSequence marks a consumed range that covers "everything the
// server could ever send" for a discarded format, so the server stops
// re-transmitting it.
const SentinelEndSequence = math.MaxInt32

// SentinelDuration is the duration paired with SentinelEndSequence.
const SentinelDuration = math.MaxInt64 / 2

// WritePolicy controls how a SabrContext update is merged into the session.
type WritePolicy int32

const (
	// WritePolicyOverwrite always replaces any existing stored value.
	WritePolicyOverwrite WritePolicy = 0
	// WritePolicyKeepFirst leaves an existing stored value untouched.
	WritePolicyKeepFirst WritePolicy = 2
)

// FormatId identifies a specific media representation.
type FormatId struct {
	Itag  int64
	Lmt   int64
	XTags string
}

// Key returns the stringified itag used to key InitializedFormat and
// PartialSegment.FormatKey.
func (f FormatId) Key() string {
	return fmt.Sprintf("%d", f.Itag)
}

// ConsumedRange is a contiguous interval of consumed segments for one
// format. EndSequenceNumber is inclusive.
type ConsumedRange struct {
	StartSequenceNumber int64
	EndSequenceNumber   int64
	StartTimeMs         int64
	DurationMs          int64
}

// IsSentinel reports whether r is the discard sentinel range seeded for
// non-audio formats.
func (r ConsumedRange) IsSentinel() bool {
	return r.EndSequenceNumber >= SentinelEndSequence
}

// InitializedFormat is the server's initialization descriptor for one
// format, keyed by FormatId.Key().
type InitializedFormat struct {
	Itag                int64
	Lmt                 int64
	XTags               string
	Discard             bool
	EndTimeMs           int64 // 0 means absent
	TotalSegments       int64 // 0 means absent
	MimeType            string
	InitSegmentReceived bool
	ConsumedRanges      []ConsumedRange
}

// FormatId reconstructs the FormatId this InitializedFormat describes.
func (f *InitializedFormat) FormatId() FormatId {
	return FormatId{Itag: f.Itag, Lmt: f.Lmt, XTags: f.XTags}
}

// ActiveRanges returns the consumed ranges that are not the discard
// sentinel, used for end-of-stream and player-time advancement.
func (f *InitializedFormat) ActiveRanges() []ConsumedRange {
	active := make([]ConsumedRange, 0, len(f.ConsumedRanges))
	for _, r := range f.ConsumedRanges {
		if !r.IsSentinel() {
			active = append(active, r)
		}
	}
	return active
}

// MaxEndSequence returns the highest EndSequenceNumber among active ranges,
// and whether any active range exists.
func (f *InitializedFormat) MaxEndSequence() (int64, bool) {
	var max int64
	found := false
	for _, r := range f.ActiveRanges() {
		if !found || r.EndSequenceNumber > max {
			max = r.EndSequenceNumber
			found = true
		}
	}
	return max, found
}

// PartialSegment is a transient, per-request entry tracking an in-flight
// media segment, keyed by the server-assigned header id.
type PartialSegment struct {
	FormatKey      string
	IsInitSegment  bool
	SequenceNumber int64 // only meaningful when !IsInitSegment
	HasSequence    bool
	StartMs        int64
	DurationMs     int64
	Discard        bool
	ReceivedBytes  int64
}

// SabrContext is a server-pushed opaque blob the client may have to echo
// back verbatim.
type SabrContext struct {
	Type          int64
	Value         []byte
	SendByDefault bool
	WritePolicy   WritePolicy
}

// Session is the per-fetch root state.
type Session struct {
	URL string

	PreferredItag int64
	PreferredLmt  int64

	RequestNumber int64
	PlayerTimeMs  int64

	PlaybackCookie []byte

	SabrContextUpdates map[int64]SabrContext
	SabrContextsToSend map[int64]struct{}

	InitializedFormats map[string]*InitializedFormat
	PartialSegments    map[int64]*PartialSegment

	AudioFormatKey string
	HasAudioFormat bool

	StreamComplete bool

	ActivityInRequest bool
	StalledRequests   int
}

// New creates a Session ready for its first request.
func New(url string, preferredItag int64, preferredLmt int64) *Session {
	return &Session{
		URL:                url,
		PreferredItag:      preferredItag,
		PreferredLmt:       preferredLmt,
		SabrContextUpdates: make(map[int64]SabrContext),
		SabrContextsToSend: make(map[int64]struct{}),
		InitializedFormats: make(map[string]*InitializedFormat),
		PartialSegments:    make(map[int64]*PartialSegment),
	}
}

// BeginRequest advances the request counter and resets per-request state.
func (s *Session) BeginRequest() {
	s.RequestNumber++
	s.ActivityInRequest = false
	s.PartialSegments = make(map[int64]*PartialSegment)
}

// AudioFormat returns the audio format's InitializedFormat, if one has been
// seen.
func (s *Session) AudioFormat() (*InitializedFormat, bool) {
	if !s.HasAudioFormat {
		return nil, false
	}
	f, ok := s.InitializedFormats[s.AudioFormatKey]
	return f, ok
}

// SendState is the contexts-with-updates / unsent-types split computed once
// per request from SabrContextsToSend.
type SendState struct {
	Contexts []SabrContext
	Unsent   []int64
}

// ComputeSendState partitions the send-set into entries with a known update
// and bare type ids without one.
func (s *Session) ComputeSendState() SendState {
	var st SendState
	for t := range s.SabrContextsToSend {
		if ctx, ok := s.SabrContextUpdates[t]; ok {
			st.Contexts = append(st.Contexts, ctx)
		} else {
			st.Unsent = append(st.Unsent, t)
		}
	}
	return st
}
