package codec

import "fmt"

// MPEG-4 audio sampling frequency index table (ISO/IEC 14496-3 1.6.3.4).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AudioConfig holds the fields of an MPEG-4 AudioSpecificConfig.
type AudioConfig struct {
	ObjectType int
	SampleRate int
	Channels   int
}

// ParseAudioSpecificConfig decodes the leading fields of an
// AudioSpecificConfig.
func ParseAudioSpecificConfig(b []byte) (AudioConfig, error) {
	r := &bitReader{data: b}
	var c AudioConfig
	c.ObjectType = int(r.bits(5))
	if c.ObjectType == 31 {
		c.ObjectType = 32 + int(r.bits(6))
	}
	idx := r.bits(4)
	if idx == 0x0f {
		c.SampleRate = int(r.bits(24))
	} else if int(idx) < len(aacSampleRates) {
		c.SampleRate = aacSampleRates[idx]
	} else {
		return c, fmt.Errorf("codec: reserved sampling frequency index %d", idx)
	}
	c.Channels = int(r.bits(4))
	if r.err != nil {
		return c, ErrBadConfig
	}
	return c, nil
}

// CodecString returns the RFC 6381 codec parameter, e.g. "mp4a.40.2".
func (c AudioConfig) CodecString(objectTypeIndication uint8) string {
	if c.ObjectType == 0 {
		return fmt.Sprintf("mp4a.%x", objectTypeIndication)
	}
	return fmt.Sprintf("mp4a.%x.%d", objectTypeIndication, c.ObjectType)
}
