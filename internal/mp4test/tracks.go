package mp4test

// Payload returns the bytes of sample index of a track. The first three
// bytes encode the track and index so tests can match data to samples;
// sizes vary between 8 and 12 bytes.
func Payload(trackID uint32, index int) []byte {
	b := make([]byte, 8+index%5)
	b[0] = byte(trackID)
	b[1] = byte(index >> 8)
	b[2] = byte(index)
	for i := 3; i < len(b); i++ {
		b[i] = 0xa5
	}
	return b
}

// Frames returns n samples of equal duration. Every keyEvery-th sample,
// starting with the first, is a sync sample; keyEvery <= 1 makes all of
// them sync.
func Frames(trackID uint32, n int, duration uint32, keyEvery int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{
			Duration: duration,
			Sync:     keyEvery <= 1 || i%keyEvery == 0,
			Data:     Payload(trackID, i),
		}
	}
	return out
}

// VideoTrack returns a 640x360 avc1 track.
func VideoTrack(id uint32, timescale uint32, samples []Sample) Track {
	return Track{
		ID:        id,
		Handler:   "vide",
		Format:    "avc1",
		Timescale: timescale,
		Language:  "und",
		Width:     640,
		Height:    360,
		Config:    AVCConfig(SPS(640, 360), []byte{0x68, 0xce, 0x3c, 0x80}),
		Samples:   samples,
	}
}

// AudioTrack returns a stereo AAC-LC mp4a track whose timescale is the
// sample rate.
func AudioTrack(id uint32, sampleRate int, samples []Sample) Track {
	return Track{
		ID:         id,
		Handler:    "soun",
		Format:     "mp4a",
		Timescale:  uint32(sampleRate),
		Language:   "eng",
		SampleRate: sampleRate,
		Channels:   2,
		Config:     AACConfig(sampleRate, 2),
		Samples:    samples,
	}
}

// CaptionTrack returns a c608 closed caption track.
func CaptionTrack(id uint32, timescale uint32, samples []Sample) Track {
	return Track{
		ID:        id,
		Handler:   "clcp",
		Format:    "c608",
		Timescale: timescale,
		Language:  "eng",
		Samples:   samples,
	}
}

// Split cuts data into pieces at the given offsets, returning each piece
// with its file offset.
func Split(data []byte, cuts ...int) []Piece {
	var out []Piece
	prev := 0
	for _, c := range append(cuts, len(data)) {
		if c <= prev || c > len(data) {
			continue
		}
		out = append(out, Piece{Offset: int64(prev), Data: data[prev:c]})
		prev = c
	}
	return out
}

// Piece is a byte range of a synthesized file.
type Piece struct {
	Offset int64
	Data   []byte
}
