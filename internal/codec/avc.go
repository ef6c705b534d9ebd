package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/abema/go-mp4"
)

// ErrBadConfig is returned when a decoder configuration record is truncated.
var ErrBadConfig = errors.New("codec: bad decoder configuration record")

// AVCConfig holds the fields of an AVCDecoderConfigurationRecord (avcC).
type AVCConfig struct {
	Profile       byte
	Compatibility byte
	Level         byte
	NALLengthSize int
	SPS           [][]byte
	PPS           [][]byte
}

// ParseAVCConfig decodes an avcC payload.
func ParseAVCConfig(b []byte) (AVCConfig, error) {
	rec := mp4.AVCDecoderConfiguration{AnyTypeBox: mp4.AnyTypeBox{Type: mp4.BoxTypeAvcC()}}
	if _, err := mp4.Unmarshal(bytes.NewReader(b), uint64(len(b)), &rec, mp4.Context{}); err != nil {
		return AVCConfig{}, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if rec.ConfigurationVersion != 1 {
		return AVCConfig{}, ErrBadConfig
	}
	c := AVCConfig{
		Profile:       rec.Profile,
		Compatibility: rec.ProfileCompatibility,
		Level:         rec.Level,
		NALLengthSize: int(rec.LengthSizeMinusOne) + 1,
	}
	for _, ps := range rec.SequenceParameterSets {
		c.SPS = append(c.SPS, ps.NALUnit)
	}
	for _, ps := range rec.PictureParameterSets {
		c.PPS = append(c.PPS, ps.NALUnit)
	}
	return c, nil
}

// CodecString returns the RFC 6381 codec parameter for the given sample
// entry format, e.g. "avc1.64001F".
func (c AVCConfig) CodecString(format string) string {
	return fmt.Sprintf("%s.%02X%02X%02X", format, c.Profile, c.Compatibility, c.Level)
}

// Dimensions parses the first SPS for the cropped picture size.
func (c AVCConfig) Dimensions() (width, height int, err error) {
	if len(c.SPS) == 0 {
		return 0, 0, ErrBadConfig
	}
	return spsDimensions(c.SPS[0])
}

// highProfiles carry chroma format and scaling matrices in the SPS.
var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// spsDimensions parses an H.264 SPS NAL unit (with its header byte) up to
// frame_cropping and returns the display size.
func spsDimensions(nal []byte) (int, int, error) {
	if len(nal) < 4 {
		return 0, 0, errShortRBSP
	}
	r := &bitReader{data: unescape(nal[1:])}
	profile := r.bits(8)
	r.bits(16) // constraint flags, level
	r.ue()     // seq_parameter_set_id

	chroma := uint(1)
	if highProfiles[profile] {
		chroma = r.ue()
		if chroma == 3 && r.flag() {
			chroma = 0 // separate colour planes
		}
		r.ue() // bit_depth_luma_minus8
		r.ue() // bit_depth_chroma_minus8
		r.bits(1)
		if r.flag() {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if r.flag() {
					if i < 6 {
						r.scalingList(16)
					} else {
						r.scalingList(64)
					}
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue()
	case 1:
		r.bits(1)
		r.se()
		r.se()
		for n := r.ue(); n > 0 && r.err == nil; n-- {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.bits(1) // gaps_in_frame_num_value_allowed_flag

	mbW := r.ue() + 1
	mapH := r.ue() + 1
	frameMbsOnly := r.bits(1)
	if frameMbsOnly == 0 {
		r.bits(1)
	}
	r.bits(1) // direct_8x8_inference_flag

	var cl, cr, ct, cb uint
	if r.flag() {
		cl, cr, ct, cb = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return 0, 0, r.err
	}

	subW, subH := uint(2), uint(2)
	switch chroma {
	case 0, 3:
		subW, subH = 1, 1
	case 2:
		subW, subH = 2, 1
	}
	unitY := subH * (2 - frameMbsOnly)
	w := int(mbW*16 - subW*(cl+cr))
	h := int(mapH*16*(2-frameMbsOnly) - unitY*(ct+cb))
	return w, h, nil
}
