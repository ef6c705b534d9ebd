package media

import "time"

// Sample dependency values, as carried by sdtp and the trun sample flags.
const (
	DependsUnknown     uint8 = 0
	DependsOnOthers    uint8 = 1
	DependsIndependent uint8 = 2
)

// Sample is one addressable entry of a track's sample table. Times are in
// the owning track's timescale.
type Sample struct {
	Number           int
	Offset           int64
	Size             uint32
	Duration         uint32
	DTS              int64
	CTS              int64
	Sync             bool
	DescriptionIndex uint32
	DependsOn        uint8
}

// End returns the file offset just past the sample's bytes.
func (s Sample) End() int64 { return s.Offset + int64(s.Size) }

// ChunkType tells the external decoder whether a chunk can be decoded on
// its own.
type ChunkType int

// Chunk types.
const (
	ChunkDelta ChunkType = iota
	ChunkKey
)

func (c ChunkType) String() string {
	if c == ChunkKey {
		return "key"
	}
	return "delta"
}

// DecodeRequest is one compressed unit submitted to the external decoder.
// Seq and Generation are assigned by the decode queue on submission.
type DecodeRequest struct {
	Seq        uint64
	Generation uint64
	TrackID    uint32
	Number     int
	Type       ChunkType
	PTS        time.Duration
	DTS        time.Duration
	Duration   time.Duration
	Data       []byte
}

// NewDecodeRequest converts a sample table entry and its backing bytes into
// a decode request.
func NewDecodeRequest(trackID uint32, timescale uint32, s Sample, data []byte) *DecodeRequest {
	typ := ChunkDelta
	if s.Sync {
		typ = ChunkKey
	}
	return &DecodeRequest{
		TrackID:  trackID,
		Number:   s.Number,
		Type:     typ,
		PTS:      TicksToDuration(s.CTS, timescale),
		DTS:      TicksToDuration(s.DTS, timescale),
		Duration: TicksToDuration(int64(s.Duration), timescale),
		Data:     data,
	}
}

// DecodedFrame is one unit returned by the external decoder. Payload is an
// opaque handle whose lifetime belongs to the decoder.
type DecodedFrame struct {
	TrackID  uint32
	Seq      uint64
	PTS      time.Duration
	Duration time.Duration
	Payload  any
}

// End returns the presentation time just past the frame.
func (f *DecodedFrame) End() time.Duration { return f.PTS + f.Duration }

// DecodeResult is what the external decoder yields for every accepted
// request: a frame, or a per-request fault. Seq echoes DecodeRequest.Seq.
// A result with neither Frame nor Err means the request produced no output.
type DecodeResult struct {
	Seq   uint64
	Frame *DecodedFrame
	Err   error
}
