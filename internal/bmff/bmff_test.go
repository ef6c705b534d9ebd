package bmff

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func u32s(vs ...uint32) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

// leaf builds a version 0 full box the way the parser does.
func leaf(t BoxType, flags uint32, data []byte) *LeafBox {
	payload := append(u32s(flags&0x00ffffff), data...)
	l, err := NewLeaf(Header{Type: t, Size: int64(HeaderSize + len(payload)), HeaderSize: HeaderSize, Offset: 100}, payload)
	if err != nil {
		panic(err)
	}
	return l
}

func TestDecodeHeader(t *testing.T) {
	t.Parallel()

	large := append(u32s(1), 'm', 'd', 'a', 't')
	large = binary.BigEndian.AppendUint64(large, 1<<33)

	tests := []struct {
		name      string
		in        []byte
		want      Header
		malformed bool
		short     bool
	}{
		{
			name: "compact",
			in:   append(u32s(24), 'm', 'o', 'o', 'v'),
			want: Header{Type: TypeMoov, Size: 24, HeaderSize: HeaderSize, Offset: 40},
		},
		{
			name: "large",
			in:   large,
			want: Header{Type: TypeMdat, Size: 1 << 33, HeaderSize: LargeHeaderSize, Offset: 40},
		},
		{name: "large truncated", in: large[:12], short: true},
		{name: "short", in: []byte{0, 0, 0}, short: true},
		{name: "size zero", in: append(u32s(0), 'm', 'd', 'a', 't'), malformed: true},
		{name: "smaller than header", in: append(u32s(7), 'f', 'r', 'e', 'e'), malformed: true},
		{
			name:      "large smaller than header",
			in:        append(append(u32s(1), 'm', 'd', 'a', 't'), 0, 0, 0, 0, 0, 0, 0, 15),
			malformed: true,
		},
		{
			name:      "large overflows",
			in:        append(append(u32s(1), 'm', 'd', 'a', 't'), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff),
			malformed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeHeader(tt.in, 40)
			switch {
			case tt.short:
				if !errors.Is(err, ErrShortBuffer) {
					t.Fatalf("got %v, want ErrShortBuffer", err)
				}
			case tt.malformed:
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("got %v, want ErrMalformed", err)
				}
				var me *MalformedError
				if !errors.As(err, &me) || me.Offset != 40 {
					t.Fatalf("got %v, want a MalformedError at offset 40", err)
				}
			default:
				if err != nil {
					t.Fatal(err)
				}
				if got != tt.want {
					t.Fatalf("got %+v, want %+v", got, tt.want)
				}
			}
		})
	}
}

func TestNeededHeaderBytes(t *testing.T) {
	t.Parallel()

	if got := NeededHeaderBytes(append(u32s(1), 'm', 'd', 'a', 't')); got != LargeHeaderSize {
		t.Fatalf("got %d, want %d", got, LargeHeaderSize)
	}
	if got := NeededHeaderBytes(append(u32s(100), 'm', 'd', 'a', 't')); got != HeaderSize {
		t.Fatalf("got %d, want %d", got, HeaderSize)
	}
}

func TestCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  BoxType
		cat  Category
		load bool
	}{
		{TypeMoov, CategoryStructural, true},
		{TypeEdts, CategoryStructural, false},
		{TypeTraf, CategoryFragment, true},
		{TypeMdat, CategoryReference, false},
		{TypeStsz, CategoryDescriptor, true},
		{TypeSdtp, CategoryDescriptor, false},
		{TypeUdta, CategoryUnknown, false},
		{BoxType{'x', 'y', 'z', 'w'}, CategoryUnknown, false},
	}
	for _, tt := range tests {
		if got := CategoryOf(tt.typ); got != tt.cat {
			t.Errorf("%s: got category %v, want %v", tt.typ, got, tt.cat)
		}
		if got := LoadBearing(tt.typ); got != tt.load {
			t.Errorf("%s: got load-bearing %v, want %v", tt.typ, got, tt.load)
		}
	}
}

func TestReadStsc(t *testing.T) {
	t.Parallel()

	got, err := ReadStsc(leaf(TypeStsc, 0, u32s(2, 1, 3, 1, 4, 1, 1)))
	if err != nil {
		t.Fatal(err)
	}
	want := []StscEntry{{1, 3, 1}, {4, 1, 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stsc mismatch (-want +got):\n%s", diff)
	}

	if _, err := ReadStsc(leaf(TypeStsc, 0, u32s(2, 4, 3, 1, 2, 1, 1))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed for out of order chunks", err)
	}
	if _, err := ReadStsc(leaf(TypeStsc, 0, u32s(1000, 1, 1, 1))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed for oversized count", err)
	}
}

func TestReadSampleSizes(t *testing.T) {
	t.Parallel()

	constant, err := ReadStsz(leaf(TypeStsz, 0, u32s(512, 3)))
	if err != nil {
		t.Fatal(err)
	}
	if constant.Count != 3 || constant.Size(2) != 512 {
		t.Fatalf("got %+v", constant)
	}

	tests := []struct {
		name string
		data []byte
		want []uint32
	}{
		{"4-bit", append(u32s(4, 3), 0x12, 0x30), []uint32{1, 2, 3}},
		{"8-bit", append(u32s(8, 2), 200, 7), []uint32{200, 7}},
		{"16-bit", append(u32s(16, 2), 0x01, 0x00, 0xff, 0xff), []uint32{256, 65535}},
	}
	for _, tt := range tests {
		got, err := ReadStz2(leaf(TypeStz2, 0, tt.data))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if diff := cmp.Diff(tt.want, got.Sizes); diff != "" {
			t.Fatalf("%s: sizes mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
	if _, err := ReadStz2(leaf(TypeStz2, 0, u32s(12, 1))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed for field size 12", err)
	}
}

func TestReadChunkOffsets(t *testing.T) {
	t.Parallel()

	got, err := ReadChunkOffsets(leaf(TypeCo64, 0, append(u32s(2), 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9)))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{1 << 32, 9}, got); diff != "" {
		t.Fatalf("co64 mismatch (-want +got):\n%s", diff)
	}
}

func TestReadTrun(t *testing.T) {
	t.Parallel()

	flags := uint32(TrunDataOffsetPresent | TrunFirstSampleFlagsPresent | TrunSampleSizePresent)
	data := u32s(3, 0xfffffff0, 0x02000000, 10, 11, 12)
	got, err := ReadTrun(leaf(TypeTrun, flags, data))
	if err != nil {
		t.Fatal(err)
	}
	want := Trun{
		Flags:            flags,
		DataOffset:       -16,
		FirstSampleFlags: 0x02000000,
		Samples:          []TrunSample{{Size: 10}, {Size: 11}, {Size: 12}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("trun mismatch (-want +got):\n%s", diff)
	}

	if _, err := ReadTrun(leaf(TypeTrun, flags, u32s(4, 0, 0, 10))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed for truncated run", err)
	}
}

func TestReadTfhd(t *testing.T) {
	t.Parallel()

	flags := uint32(TfhdDefaultSampleDurationPresent | TfhdDefaultBaseIsMoof)
	got, err := ReadTfhd(leaf(TypeTfhd, flags, u32s(7, 1001)))
	if err != nil {
		t.Fatal(err)
	}
	if got.TrackID != 7 || got.DefaultSampleDuration != 1001 || !got.Has(TfhdDefaultBaseIsMoof) || got.Has(TfhdBaseDataOffsetPresent) {
		t.Fatalf("got %+v", got)
	}
}

func TestSampleFlags(t *testing.T) {
	t.Parallel()

	if !SampleFlagsSync(0x02000000) {
		t.Fatal("independent sample reported as non-sync")
	}
	if SampleFlagsSync(0x01010000) {
		t.Fatal("non-sync flag ignored")
	}
	if got := SampleFlagsDependsOn(0x01010000); got != 1 {
		t.Fatalf("got depends-on %d, want 1", got)
	}
}

func TestReadMdhdLanguage(t *testing.T) {
	t.Parallel()

	// "eng" packed as three 5-bit letters.
	lang := uint32('e'-0x60)<<10 | uint32('n'-0x60)<<5 | uint32('g'-0x60)
	got, err := ReadMdhd(leaf(TypeMdhd, 0, u32s(0, 0, 90000, 180000, lang<<16)))
	if err != nil {
		t.Fatal(err)
	}
	if got.Timescale != 90000 || got.Duration != 180000 || got.Language != "eng" {
		t.Fatalf("got %+v", got)
	}

	if _, err := ReadMdhd(leaf(TypeMdhd, 0, u32s(0, 0, 0, 0, 0))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed for zero timescale", err)
	}
}

func TestReadEsds(t *testing.T) {
	t.Parallel()

	// ES_Descriptor > DecoderConfigDescriptor > DecoderSpecificInfo.
	dcd := []byte{0x40, 0x15, 0, 0, 0}
	dcd = append(dcd, u32s(256000, 128000)...)
	dcd = append(dcd, 0x05, 2, 0x11, 0x90)
	es := append([]byte{0, 1, 0, 0x04, byte(len(dcd))}, dcd...)
	es = append(es, 0x06, 1, 2)
	data := append([]byte{0, 0, 0, 0, 0x03, byte(len(es))}, es...)

	got, ok := ReadEsds(data)
	if !ok {
		t.Fatal("esds not decoded")
	}
	want := Esds{ObjectType: 0x40, MaxBitrate: 256000, AvgBitrate: 128000, DecoderSpecific: []byte{0x11, 0x90}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("esds mismatch (-want +got):\n%s", diff)
	}

	if _, ok := ReadEsds(data[:16]); ok {
		t.Fatal("truncated esds decoded")
	}
}
