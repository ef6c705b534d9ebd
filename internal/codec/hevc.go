package codec

import (
	"fmt"
	"math/bits"
	"strings"
)

// HEVCConfig holds the profile fields of an HEVCDecoderConfigurationRecord
// (hvcC).
type HEVCConfig struct {
	ProfileSpace  byte
	Tier          byte
	Profile       byte
	Compatibility uint32
	Constraints   [6]byte
	Level         byte
	NALLengthSize int
}

// ParseHEVCConfig decodes the fixed header of an hvcC payload.
func ParseHEVCConfig(b []byte) (HEVCConfig, error) {
	if len(b) < 23 || b[0] != 1 {
		return HEVCConfig{}, ErrBadConfig
	}
	c := HEVCConfig{
		ProfileSpace:  b[1] >> 6,
		Tier:          b[1] >> 5 & 1,
		Profile:       b[1] & 0x1f,
		Compatibility: uint32(b[2])<<24 | uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
		Level:         b[12],
		NALLengthSize: int(b[21]&0x03) + 1,
	}
	copy(c.Constraints[:], b[6:12])
	return c, nil
}

// CodecString returns the RFC 6381 codec parameter for the given sample
// entry format, e.g. "hvc1.1.6.L93.B0".
func (c HEVCConfig) CodecString(format string) string {
	var sb strings.Builder
	sb.WriteString(format)
	sb.WriteByte('.')
	if c.ProfileSpace > 0 {
		sb.WriteByte('A' + c.ProfileSpace - 1)
	}
	tier := 'L'
	if c.Tier == 1 {
		tier = 'H'
	}
	fmt.Fprintf(&sb, "%d.%X.%c%d", c.Profile, bits.Reverse32(c.Compatibility), tier, c.Level)

	last := -1
	for i := len(c.Constraints) - 1; i >= 0; i-- {
		if c.Constraints[i] != 0 {
			last = i
			break
		}
	}
	for i := 0; i <= last; i++ {
		fmt.Fprintf(&sb, ".%X", c.Constraints[i])
	}
	return sb.String()
}
