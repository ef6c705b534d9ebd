package bmff

import (
	"bytes"
	"errors"

	"github.com/abema/go-mp4"
)

// SampleEntry is one entry of an stsd box.
type SampleEntry struct {
	Format       BoxType
	DataRefIndex uint16
	Width        int
	Height       int
	Channels     int
	SampleSize   int
	SampleRate   uint32 // integer part of the 16.16 rate
	MaxBitrate   uint32
	AvgBitrate   uint32
	AvcC         []byte
	HvcC         []byte
	Esds         *Esds

	// Damaged is set when a child box of the entry could not be read.
	// Fields decoded before the damage are kept.
	Damaged bool
}

// Visual and audio sample entry layouts (ISO/IEC 14496-12 12.1.3, 12.2.3),
// counted from the end of the entry's box header.
const (
	visualChildOffset = 78
	audioChildOffset  = 28
)

// ReadStsd decodes the sample entries of an stsd box. The handler type
// selects the visual or audio layout; other handlers only get the format.
func ReadStsd(l *LeafBox, handler string) ([]SampleEntry, error) {
	n, err := entries(l, 4, HeaderSize)
	if err != nil {
		return nil, err
	}
	out := make([]SampleEntry, 0, n)
	p := 4
	base := l.Hdr.DataOffset() + 4 // version and flags
	for i := 0; i < n; i++ {
		h, err := DecodeHeader(l.Data[p:], base+int64(p))
		if err != nil {
			if errors.Is(err, ErrShortBuffer) {
				return nil, malformed(l.Hdr.Type, l.Hdr.Offset, "entry %d truncated", i)
			}
			return nil, err
		}
		if h.Size > int64(len(l.Data)-p) {
			return nil, malformed(l.Hdr.Type, l.Hdr.Offset, "entry %d size %d exceeds parent", i, h.Size)
		}
		body := l.Data[p+h.HeaderSize : p+int(h.Size)]
		out = append(out, readSampleEntry(h, body, handler))
		p += int(h.Size)
	}
	return out, nil
}

func readSampleEntry(h Header, b []byte, handler string) SampleEntry {
	e := SampleEntry{Format: h.Type}
	if len(b) >= 8 {
		e.DataRefIndex = be.Uint16(b[6:8])
	}
	child := -1
	switch handler {
	case "vide":
		if len(b) >= visualChildOffset {
			e.Width = int(be.Uint16(b[24:26]))
			e.Height = int(be.Uint16(b[26:28]))
			child = visualChildOffset
		}
	case "soun":
		if len(b) >= audioChildOffset {
			e.Channels = int(be.Uint16(b[16:18]))
			e.SampleSize = int(be.Uint16(b[18:20]))
			e.SampleRate = be.Uint32(b[24:28]) >> 16
			child = audioChildOffset
			// QuickTime sound description versions 1 and 2 extend the entry.
			switch be.Uint16(b[8:10]) {
			case 1:
				child += 16
			case 2:
				child += 36
			}
		}
	}
	if child < 0 || child > len(b) {
		return e
	}
	off := h.DataOffset() + int64(child)
	for p := child; p+HeaderSize <= len(b); {
		ch, err := DecodeHeader(b[p:], off)
		if err != nil || ch.Size > int64(len(b)-p) {
			e.Damaged = true
			return e
		}
		data := b[p+ch.HeaderSize : p+int(ch.Size)]
		switch ch.Type {
		case TypeAvcC:
			e.AvcC = data
		case TypeHvcC:
			e.HvcC = data
		case TypeEsds:
			es, ok := ReadEsds(data)
			if !ok {
				e.Damaged = true
			} else {
				e.Esds = &es
			}
		case TypeBtrt:
			if len(data) >= 12 {
				e.MaxBitrate = be.Uint32(data[4:8])
				e.AvgBitrate = be.Uint32(data[8:12])
			}
		}
		p += int(ch.Size)
		off += ch.Size
	}
	return e
}

// Esds holds the fields of an MPEG-4 elementary stream descriptor.
type Esds struct {
	ObjectType      uint8
	MaxBitrate      uint32
	AvgBitrate      uint32
	DecoderSpecific []byte
}

// ReadEsds decodes the descriptors of an esds box payload (version and
// flags included). It reports false when the descriptor chain is truncated
// or has no decoder configuration.
func ReadEsds(payload []byte) (Esds, bool) {
	var box mp4.Esds
	if _, err := mp4.Unmarshal(bytes.NewReader(payload), uint64(len(payload)), &box, mp4.Context{}); err != nil {
		return Esds{}, false
	}
	var (
		es    Esds
		found bool
	)
	for _, d := range box.Descriptors {
		switch {
		case d.Tag == mp4.DecoderConfigDescrTag && d.DecoderConfigDescriptor != nil:
			es.ObjectType = d.DecoderConfigDescriptor.ObjectTypeIndication
			es.MaxBitrate = d.DecoderConfigDescriptor.MaxBitrate
			es.AvgBitrate = d.DecoderConfigDescriptor.AvgBitrate
			found = true
		case d.Tag == mp4.DecSpecificInfoTag && found:
			es.DecoderSpecific = d.Data
		}
	}
	return es, found
}
