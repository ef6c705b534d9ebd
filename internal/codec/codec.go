// Package codec derives codec identification from sample entries: RFC 6381
// codec strings, picture dimensions and audio parameters.
package codec

import (
	"fmt"

	"github.com/zsiec/hplayer/internal/bmff"
)

// Info is what the player reports about a track's codec.
type Info struct {
	Codec      string
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Config     []byte
}

// Describe derives codec information from a sample entry. Entry fields are
// used as given; configuration records refine them when they parse.
func Describe(e bmff.SampleEntry) (Info, error) {
	format := e.Format.String()
	info := Info{
		Codec:      format,
		Width:      e.Width,
		Height:     e.Height,
		SampleRate: int(e.SampleRate),
		Channels:   e.Channels,
	}
	switch {
	case e.AvcC != nil:
		info.Config = e.AvcC
		c, err := ParseAVCConfig(e.AvcC)
		if err != nil {
			return info, fmt.Errorf("%s: %w", format, err)
		}
		info.Codec = c.CodecString(format)
		if w, h, err := c.Dimensions(); err == nil && w > 0 && h > 0 {
			info.Width, info.Height = w, h
		}
	case e.HvcC != nil:
		info.Config = e.HvcC
		c, err := ParseHEVCConfig(e.HvcC)
		if err != nil {
			return info, fmt.Errorf("%s: %w", format, err)
		}
		info.Codec = c.CodecString(format)
	case e.Esds != nil:
		info.Config = e.Esds.DecoderSpecific
		if e.Esds.ObjectType != 0x40 || len(e.Esds.DecoderSpecific) == 0 {
			info.Codec = fmt.Sprintf("%s.%x", format, e.Esds.ObjectType)
			break
		}
		c, err := ParseAudioSpecificConfig(e.Esds.DecoderSpecific)
		if err != nil {
			return info, fmt.Errorf("%s: %w", format, err)
		}
		info.Codec = c.CodecString(e.Esds.ObjectType)
		if c.SampleRate > 0 {
			info.SampleRate = c.SampleRate
		}
		if c.Channels > 0 {
			info.Channels = c.Channels
		}
	}
	return info, nil
}
