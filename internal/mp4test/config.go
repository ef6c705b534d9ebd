package mp4test

// bitWriter writes MSB-first bit fields and Exp-Golomb codes.
type bitWriter struct {
	buf  []byte
	nbit int
}

func (b *bitWriter) bits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		if b.nbit%8 == 0 {
			b.buf = append(b.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			b.buf[len(b.buf)-1] |= 0x80 >> (b.nbit % 8)
		}
		b.nbit++
	}
}

func (b *bitWriter) ue(v uint) {
	v++
	n := 0
	for x := v; x > 1; x >>= 1 {
		n++
	}
	b.bits(0, n)
	b.bits(v, n+1)
}

// SPS returns a baseline-profile H.264 SPS NAL unit (with header byte) for
// a width x height 4:2:0 progressive picture.
func SPS(width, height int) []byte {
	var b bitWriter
	b.bits(0x67, 8) // nal header
	b.bits(66, 8)   // profile_idc baseline
	b.bits(0xc0, 8) // constraint flags
	b.bits(31, 8)   // level_idc
	b.ue(0)         // seq_parameter_set_id
	b.ue(0)         // log2_max_frame_num_minus4
	b.ue(2)         // pic_order_cnt_type
	b.ue(1)         // max_num_ref_frames
	b.bits(0, 1)    // gaps_in_frame_num_value_allowed_flag

	mbW := (width + 15) / 16
	mbH := (height + 15) / 16
	b.ue(uint(mbW - 1))
	b.ue(uint(mbH - 1))
	b.bits(1, 1) // frame_mbs_only_flag
	b.bits(1, 1) // direct_8x8_inference_flag
	cropR := (mbW*16 - width) / 2
	cropB := (mbH*16 - height) / 2
	if cropR > 0 || cropB > 0 {
		b.bits(1, 1)
		b.ue(0)
		b.ue(uint(cropR))
		b.ue(0)
		b.ue(uint(cropB))
	} else {
		b.bits(0, 1)
	}
	b.bits(0, 1) // vui_parameters_present_flag
	b.bits(1, 1) // rbsp_stop_one_bit
	return escape(b.buf)
}

// escape inserts emulation prevention bytes.
func escape(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+4)
	zeros := 0
	for _, c := range rbsp {
		if zeros >= 2 && c <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, c)
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// AVCConfig returns an AVCDecoderConfigurationRecord holding one SPS and
// one PPS, with 4-byte NAL lengths.
func AVCConfig(sps, pps []byte) []byte {
	b := []byte{1, sps[1], sps[2], sps[3], 0xff, 0xe1}
	b = be.AppendUint16(b, uint16(len(sps)))
	b = append(b, sps...)
	b = append(b, 1)
	b = be.AppendUint16(b, uint16(len(pps)))
	return append(b, pps...)
}

// AACConfig returns a two-byte AudioSpecificConfig for AAC-LC.
func AACConfig(sampleRate, channels int) []byte {
	idx := 0x0f
	for i, r := range []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350} {
		if r == sampleRate {
			idx = i
			break
		}
	}
	v := uint16(2)<<11 | uint16(idx)<<7 | uint16(channels)<<3
	return be.AppendUint16(nil, v)
}

// ESDescriptor wraps a DecoderSpecificInfo in the ES_Descriptor chain an
// esds box carries.
func ESDescriptor(objectType byte, dsi []byte) []byte {
	dcd := []byte{objectType, 0x15, 0, 0, 0}
	dcd = be.AppendUint32(dcd, 128000) // max bitrate
	dcd = be.AppendUint32(dcd, 128000) // avg bitrate
	dcd = append(dcd, 0x05, byte(len(dsi)))
	dcd = append(dcd, dsi...)

	es := []byte{0, 1, 0} // ES_ID, flags
	es = append(es, 0x04, byte(len(dcd)))
	es = append(es, dcd...)
	es = append(es, 0x06, 1, 2) // SLConfigDescriptor

	return append([]byte{0x03, byte(len(es))}, es...)
}
