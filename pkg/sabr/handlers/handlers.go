// Package handlers implements the SABR part-type dispatch table: one
// handler per known UMP part type, each mutating session state and/or
// writing audio bytes to the output.
//
// Dispatch is a switch over the type id; unknown types fall through to a
// no-op default case.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jmylchreest/sabrfetch/pkg/sabr/session"
	"github.com/jmylchreest/sabrfetch/pkg/sabr/varint"
	"github.com/jmylchreest/sabrfetch/pkg/sabr/wire"
)

// Part type ids.
const (
	TypeMediaHeader                   = 20
	TypeMedia                         = 21
	TypeMediaEnd                      = 22
	TypeLiveMetadata                  = 31
	TypeNextRequestPolicy             = 35
	TypeFormatInitializationMetadata  = 42
	TypeSabrRedirect                  = 43
	TypeSabrError                     = 44
	TypeSabrContextUpdate             = 57
	TypeStreamProtectionStatus        = 58
	TypeSabrContextSendingPolicy      = 59
)

// Stream protection status codes, carried in STREAM_PROTECTION_STATUS.
const (
	protectionStatusOK       = 1
	protectionStatusPending  = 2
	protectionStatusRequired = 3
)

// SabrError is raised from a server-emitted SABR_ERROR part.
type SabrError struct {
	Type       string
	Action     int64
	StatusCode int64
}

func (e *SabrError) Error() string {
	return fmt.Sprintf("sabr: server error type=%q action=%d statusCode=%d", e.Type, e.Action, e.StatusCode)
}

// ErrAttestationRequired is raised when STREAM_PROTECTION_STATUS reports
// status 3: the server requires a valid poToken the client cannot mint.
var ErrAttestationRequired = errors.New("sabr: attestation required (invalid or missing poToken)")

// Dispatch handles one UMP part, mutating sess and, for non-discarded MEDIA
// parts, appending payload bytes to out. It returns the number of audio
// bytes written by this call (0 for all but MEDIA parts that were not
// discarded).
//
// Unknown type ids are silently ignored.
func Dispatch(partType int64, payload []byte, sess *session.Session, out io.Writer) (int64, error) {
	switch partType {
	case TypeMediaHeader:
		return 0, handleMediaHeader(payload, sess)
	case TypeMedia:
		return handleMedia(payload, sess, out)
	case TypeMediaEnd:
		return 0, handleMediaEnd(payload, sess)
	case TypeLiveMetadata:
		return 0, nil
	case TypeNextRequestPolicy:
		return 0, handleNextRequestPolicy(payload, sess)
	case TypeFormatInitializationMetadata:
		return 0, handleFormatInitializationMetadata(payload, sess)
	case TypeSabrRedirect:
		return 0, handleSabrRedirect(payload, sess)
	case TypeSabrError:
		return 0, handleSabrError(payload)
	case TypeSabrContextUpdate:
		return 0, handleSabrContextUpdate(payload, sess)
	case TypeStreamProtectionStatus:
		return 0, handleStreamProtectionStatus(payload)
	case TypeSabrContextSendingPolicy:
		return 0, handleSabrContextSendingPolicy(payload, sess)
	default:
		return 0, nil
	}
}

// MEDIA_HEADER field numbers.
const (
	fieldHeaderId            = 1
	fieldHeaderFormatId      = 3
	fieldHeaderFormatId13    = 13
	fieldHeaderSequence      = 4
	fieldHeaderStartMs       = 5
	fieldHeaderDurationMs    = 6
	fieldHeaderIsInit        = 7
)

func handleMediaHeader(payload []byte, sess *session.Session) error {
	msg := wire.ParseMessage(payload)

	id, ok := msg.FirstVarint(fieldHeaderId)
	if !ok {
		return nil
	}

	formatKey, hasFormatKey := formatKeyFromMediaHeader(msg)
	if !hasFormatKey {
		// No field 13.1 or field 3 itag present at all: ignore the part
		// entirely, distinct from the uninitialized-format case below which
		// still registers a discard=true PartialSegment.
		return nil
	}

	seg := &session.PartialSegment{FormatKey: formatKey}
	if f, ok := sess.InitializedFormats[formatKey]; ok {
		seg.Discard = f.Discard
	} else {
		// An uninitialized format key still registers the segment, but its
		// bytes are discarded.
		seg.Discard = true
	}

	if isInit, ok := msg.FirstBool(fieldHeaderIsInit); ok {
		seg.IsInitSegment = isInit
	}
	if seq, ok := msg.FirstVarint(fieldHeaderSequence); ok {
		seg.SequenceNumber = seq
		seg.HasSequence = true
	}
	if startMs, ok := msg.FirstVarint(fieldHeaderStartMs); ok {
		seg.StartMs = startMs
	}
	if durationMs, ok := msg.FirstVarint(fieldHeaderDurationMs); ok {
		seg.DurationMs = durationMs
	}

	sess.PartialSegments[id] = seg
	return nil
}

// formatKeyFromMediaHeader resolves the initialized-format key for a
// MEDIA_HEADER part: field 13.1 submessage itag takes priority over the
// bare field 3 itag.
func formatKeyFromMediaHeader(msg wire.Message) (string, bool) {
	if sub, ok := msg.FirstSubmessage(fieldHeaderFormatId13); ok {
		if itag, ok := sub.FirstVarint(1); ok {
			return strconv.FormatInt(itag, 10), true
		}
	}
	if itag, ok := msg.FirstVarint(fieldHeaderFormatId); ok {
		return strconv.FormatInt(itag, 10), true
	}
	return "", false
}

func handleMedia(payload []byte, sess *session.Session, out io.Writer) (int64, error) {
	if len(payload) == 0 {
		return 0, nil
	}

	headerID, n, err := varint.DecodeUMP(payload)
	if err != nil {
		return 0, fmt.Errorf("handlers: reading MEDIA header id: %w", err)
	}
	data := payload[n:]
	if len(data) == 0 {
		return 0, nil
	}

	seg, ok := sess.PartialSegments[headerID]
	if !ok {
		return 0, nil
	}

	seg.ReceivedBytes += int64(len(data))
	if seg.Discard {
		return 0, nil
	}

	if _, err := out.Write(data); err != nil {
		return 0, fmt.Errorf("handlers: writing media bytes: %w", err)
	}
	return int64(len(data)), nil
}

func handleMediaEnd(payload []byte, sess *session.Session) error {
	headerID, _, err := varint.DecodeUMP(payload)
	if err != nil {
		return fmt.Errorf("handlers: reading MEDIA_END header id: %w", err)
	}

	seg, ok := sess.PartialSegments[headerID]
	if !ok {
		return nil
	}
	delete(sess.PartialSegments, headerID)

	if seg.Discard {
		return nil
	}
	sess.ActivityInRequest = true

	f, ok := sess.InitializedFormats[seg.FormatKey]
	if !ok {
		return nil
	}

	if seg.IsInitSegment {
		f.InitSegmentReceived = true
		return nil
	}
	if !seg.HasSequence {
		return nil
	}

	mergeConsumedRange(f, seg)
	return nil
}

// mergeConsumedRange extends an existing range whose EndSequenceNumber+1
// matches seg's sequence number, or appends a new single-segment range.
func mergeConsumedRange(f *session.InitializedFormat, seg *session.PartialSegment) {
	for i := range f.ConsumedRanges {
		r := &f.ConsumedRanges[i]
		if r.EndSequenceNumber+1 == seg.SequenceNumber {
			r.DurationMs = (seg.StartMs - r.StartTimeMs) + seg.DurationMs
			r.EndSequenceNumber = seg.SequenceNumber
			return
		}
	}
	f.ConsumedRanges = append(f.ConsumedRanges, session.ConsumedRange{
		StartSequenceNumber: seg.SequenceNumber,
		EndSequenceNumber:   seg.SequenceNumber,
		StartTimeMs:         seg.StartMs,
		DurationMs:          seg.DurationMs,
	})
}

// NEXT_REQUEST_POLICY field numbers.
const fieldNextRequestPlaybackCookie = 7

func handleNextRequestPolicy(payload []byte, sess *session.Session) error {
	msg := wire.ParseMessage(payload)
	if cookie, ok := msg.FirstBytes(fieldNextRequestPlaybackCookie); ok {
		sess.PlaybackCookie = append([]byte(nil), cookie...)
	}
	return nil
}

// FORMAT_INITIALIZATION_METADATA field numbers.
const (
	fieldFormatMetaFormatId      = 2
	fieldFormatMetaEndTimeMs     = 3
	fieldFormatMetaTotalSegments = 4
	fieldFormatMetaMimeType      = 5
)

const audioMimePrefix = "audio/"

func handleFormatInitializationMetadata(payload []byte, sess *session.Session) error {
	msg := wire.ParseMessage(payload)

	fidMsg, ok := msg.FirstSubmessage(fieldFormatMetaFormatId)
	if !ok {
		return nil
	}
	itag, ok := fidMsg.FirstVarint(1)
	if !ok {
		return nil
	}
	key := strconv.FormatInt(itag, 10)
	if _, exists := sess.InitializedFormats[key]; exists {
		return nil
	}

	f := &session.InitializedFormat{Itag: itag}
	if lmt, ok := fidMsg.FirstVarint(2); ok {
		f.Lmt = lmt
	}
	if xtags, ok := fidMsg.FirstString(3); ok {
		f.XTags = xtags
	}
	if endTimeMs, ok := msg.FirstVarint(fieldFormatMetaEndTimeMs); ok {
		f.EndTimeMs = endTimeMs
	}
	if totalSegments, ok := msg.FirstVarint(fieldFormatMetaTotalSegments); ok {
		f.TotalSegments = totalSegments
	}
	if mimeType, ok := msg.FirstString(fieldFormatMetaMimeType); ok {
		f.MimeType = mimeType
	}

	f.Discard = !strings.HasPrefix(f.MimeType, audioMimePrefix)
	if f.Discard {
		f.ConsumedRanges = []session.ConsumedRange{{
			StartSequenceNumber: 0,
			EndSequenceNumber:   session.SentinelEndSequence,
			StartTimeMs:         0,
			DurationMs:          session.SentinelDuration,
		}}
	} else if !sess.HasAudioFormat {
		sess.AudioFormatKey = key
		sess.HasAudioFormat = true
	}

	sess.InitializedFormats[key] = f
	return nil
}

// SABR_REDIRECT field numbers.
const fieldRedirectURL = 1

func handleSabrRedirect(payload []byte, sess *session.Session) error {
	msg := wire.ParseMessage(payload)
	if url, ok := msg.FirstString(fieldRedirectURL); ok && url != "" {
		sess.URL = url
	}
	return nil
}

// SABR_ERROR field numbers.
const (
	fieldErrorType       = 1
	fieldErrorAction     = 2
	fieldErrorStatusCode = 3
)

func handleSabrError(payload []byte) error {
	msg := wire.ParseMessage(payload)

	errType, _ := msg.FirstString(fieldErrorType)
	action, _ := msg.FirstVarint(fieldErrorAction)

	var statusCode int64
	if sub, ok := msg.FirstSubmessage(fieldErrorStatusCode); ok {
		statusCode, _ = sub.FirstVarint(1)
	}

	return &SabrError{Type: errType, Action: action, StatusCode: statusCode}
}

// SABR_CONTEXT_UPDATE field numbers.
const (
	fieldContextUpdateType          = 1
	fieldContextUpdateValue         = 3
	fieldContextUpdateSendByDefault = 4
	fieldContextUpdateWritePolicy   = 5
)

func handleSabrContextUpdate(payload []byte, sess *session.Session) error {
	msg := wire.ParseMessage(payload)

	typ, ok := msg.FirstVarint(fieldContextUpdateType)
	if !ok {
		return nil
	}

	var writePolicy session.WritePolicy
	if wp, ok := msg.FirstVarint(fieldContextUpdateWritePolicy); ok {
		writePolicy = session.WritePolicy(wp)
	}

	if writePolicy == session.WritePolicyKeepFirst {
		if _, exists := sess.SabrContextUpdates[typ]; exists {
			return nil
		}
	}

	value, _ := msg.FirstBytes(fieldContextUpdateValue)
	sendByDefault, _ := msg.FirstBool(fieldContextUpdateSendByDefault)

	sess.SabrContextUpdates[typ] = session.SabrContext{
		Type:          typ,
		Value:         append([]byte(nil), value...),
		SendByDefault: sendByDefault,
		WritePolicy:   writePolicy,
	}
	if sendByDefault {
		sess.SabrContextsToSend[typ] = struct{}{}
	}
	return nil
}

// STREAM_PROTECTION_STATUS field numbers.
const fieldProtectionStatus = 1

func handleStreamProtectionStatus(payload []byte) error {
	msg := wire.ParseMessage(payload)
	status, ok := msg.FirstVarint(fieldProtectionStatus)
	if !ok {
		return nil
	}

	switch status {
	case protectionStatusOK, protectionStatusPending:
		return nil
	case protectionStatusRequired:
		return ErrAttestationRequired
	default:
		return nil
	}
}

// SABR_CONTEXT_SENDING_POLICY field numbers.
const (
	fieldSendingPolicyAdd    = 1
	fieldSendingPolicyRemove = 2
	fieldSendingPolicyDelete = 3
)

func handleSabrContextSendingPolicy(payload []byte, sess *session.Session) error {
	msg := wire.ParseMessage(payload)

	for _, t := range msg.AllVarints(fieldSendingPolicyAdd) {
		sess.SabrContextsToSend[t] = struct{}{}
	}
	for _, t := range msg.AllVarints(fieldSendingPolicyRemove) {
		delete(sess.SabrContextsToSend, t)
	}
	for _, t := range msg.AllVarints(fieldSendingPolicyDelete) {
		// Removed from the updates map but deliberately left in the
		// send-set, producing an "unsent" entry on the next request.
		delete(sess.SabrContextUpdates, t)
	}
	return nil
}
