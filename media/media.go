// Package media defines the data model shared by every stage of the player
// pipeline: the structural snapshot handed out on ready, per-track sample
// table entries, and the units exchanged with the external decoder.
package media

import (
	"fmt"
	"strings"
	"time"
)

// Buffer sizes for the bounded hand-off points between stages. Sized to
// absorb jitter without excessive memory: ~2 seconds of 30fps video.
const (
	EventBufferSize  = 64
	DefaultQueueCap  = 8
	DefaultLookahead = 16
)

// TrackKind classifies an elementary stream by its handler type.
type TrackKind int

// Track kinds, from the hdlr handler type.
const (
	KindOther TrackKind = iota
	KindVideo
	KindAudio
	KindSubtitle
	KindMetadata
	KindHint
)

func (k TrackKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	case KindMetadata:
		return "metadata"
	case KindHint:
		return "hint"
	}
	return "other"
}

// KindFromHandler maps an hdlr handler type to a TrackKind.
func KindFromHandler(handler string) TrackKind {
	switch handler {
	case "vide":
		return KindVideo
	case "soun":
		return KindAudio
	case "text", "sbtl", "subt", "clcp":
		return KindSubtitle
	case "meta":
		return KindMetadata
	case "hint":
		return KindHint
	}
	return KindOther
}

// TrackInfo describes one elementary stream. IDs are stable for the
// lifetime of a session.
type TrackInfo struct {
	ID        uint32    `json:"id"`
	Kind      TrackKind `json:"kind"`
	Handler   string    `json:"handler"`
	Codec     string    `json:"codec"`
	Language  string    `json:"language,omitempty"`
	Timescale uint32    `json:"timescale"`

	// Duration in Timescale units, from mdhd (0 for live fragmented tracks).
	Duration   uint64 `json:"duration"`
	NumSamples int    `json:"nbSamples"`
	Bitrate    int64  `json:"bitrate,omitempty"`

	Width      int `json:"width,omitempty"`
	Height     int `json:"height,omitempty"`
	SampleRate int `json:"sampleRate,omitempty"`
	Channels   int `json:"channels,omitempty"`

	// SampleEntry is the stsd entry fourcc (avc1, hvc1, mp4a, c608, ...).
	SampleEntry string `json:"sampleEntry"`

	// DecoderConfig is the codec configuration record (avcC, hvcC or the
	// esds DecoderSpecificInfo) the external decoder is configured with.
	DecoderConfig []byte `json:"-"`
}

// DurationTime converts the track duration to a time.Duration.
func (t TrackInfo) DurationTime() time.Duration {
	return TicksToDuration(int64(t.Duration), t.Timescale)
}

// MediaInfo is the player-facing snapshot of the container structure. It is
// immutable once handed out; the demuxer builds a fresh value at every
// metadata milestone.
type MediaInfo struct {
	HasMoov          bool        `json:"hasMoov"`
	Duration         uint64      `json:"duration"`
	Timescale        uint32      `json:"timescale"`
	IsFragmented     bool        `json:"isFragmented"`
	FragmentDuration uint64      `json:"fragmentDuration,omitempty"`
	IsProgressive    bool        `json:"isProgressive"`
	Brands           []string    `json:"brands"`
	Created          time.Time   `json:"created"`
	Modified         time.Time   `json:"modified"`
	Tracks           []TrackInfo `json:"tracks"`
}

// DurationTime converts the movie duration to a time.Duration. For
// fragmented files with an mehd box the fragment duration is used.
func (m MediaInfo) DurationTime() time.Duration {
	d := m.Duration
	if d == 0 {
		d = m.FragmentDuration
	}
	return TicksToDuration(int64(d), m.Timescale)
}

// Track returns the track with the given id.
func (m MediaInfo) Track(id uint32) (TrackInfo, bool) {
	for _, t := range m.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return TrackInfo{}, false
}

// TracksOf returns all tracks of the given kind in file order.
func (m MediaInfo) TracksOf(kind TrackKind) []TrackInfo {
	var out []TrackInfo
	for _, t := range m.Tracks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// VideoTracks returns the video tracks.
func (m MediaInfo) VideoTracks() []TrackInfo { return m.TracksOf(KindVideo) }

// AudioTracks returns the audio tracks.
func (m MediaInfo) AudioTracks() []TrackInfo { return m.TracksOf(KindAudio) }

// SubtitleTracks returns the subtitle and caption tracks.
func (m MediaInfo) SubtitleTracks() []TrackInfo { return m.TracksOf(KindSubtitle) }

// Mime returns the RFC 6381 MIME type for the file, e.g.
// `video/mp4; codecs="avc1.64001f,mp4a.40.2"; profiles="isom,iso2"`.
func (m MediaInfo) Mime() string {
	var codecs []string
	for _, t := range m.Tracks {
		if t.Codec != "" {
			codecs = append(codecs, t.Codec)
		}
	}
	base := "audio/mp4"
	if len(m.VideoTracks()) > 0 {
		base = "video/mp4"
	}
	s := fmt.Sprintf(`%s; codecs="%s"`, base, strings.Join(codecs, ","))
	if len(m.Brands) > 0 {
		s += fmt.Sprintf(`; profiles="%s"`, strings.Join(m.Brands, ","))
	}
	return s
}

// TicksToDuration converts a value in timescale units to a time.Duration
// without intermediate overflow for realistic media durations.
func TicksToDuration(ticks int64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	ts := int64(timescale)
	sec := ticks / ts
	rem := ticks % ts
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(ts)
}

// DurationToTicks converts a time.Duration to timescale units, rounding down.
func DurationToTicks(d time.Duration, timescale uint32) int64 {
	ts := int64(timescale)
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return sec*ts + rem*ts/int64(time.Second)
}
