package nal

import "testing"

func TestParserH264Walk(t *testing.T) {
	t.Parallel()

	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0xAA, 0xBB, // SPS (type 7)
		0x00, 0x00, 0x01, 0x68, 0xCC, // PPS (type 8)
		0x00, 0x00, 0x00, 0x01, 0x65, 0xFF, 0x00, 0x11, // IDR (type 5)
	}

	p := NewParser(H264, data)
	if !p.Next() {
		t.Fatal("expected first NAL")
	}
	if p.Type() != 7 {
		t.Errorf("Type() = %d, want 7", p.Type())
	}
	if !p.Next() {
		t.Fatal("expected second NAL")
	}
	if p.Type() != 8 {
		t.Errorf("Type() = %d, want 8", p.Type())
	}
	if !p.Next() {
		t.Fatal("expected third NAL")
	}
	if p.Type() != 5 {
		t.Errorf("Type() = %d, want 5", p.Type())
	}
	if p.Next() {
		t.Error("expected no further NAL units")
	}
}

func TestParserLocateSPSAndIDR(t *testing.T) {
	t.Parallel()

	data := []byte{
		0x00, 0x00, 0x01, 0x09, 0xF0, // AUD (type 9)
		0x00, 0x00, 0x01, 0x67, 0xAA, // SPS (type 7)
		0x00, 0x00, 0x01, 0x65, 0xFF, // IDR (type 5)
	}

	sps := NewParser(H264, data).LocateSPS()
	if sps == nil || sps[0]&0x1F != 7 {
		t.Fatalf("LocateSPS() = %v, want SPS NAL", sps)
	}

	if !NewParser(H264, data).LocateIDR() {
		t.Error("LocateIDR() = false, want true")
	}

	noIDR := []byte{0x00, 0x00, 0x01, 0x67, 0xAA, 0x00, 0x00, 0x01, 0x68, 0xBB}
	if NewParser(H264, noIDR).LocateIDR() {
		t.Error("LocateIDR() = true on stream with no IDR")
	}
}

func TestParserCountsStartCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"none", []byte{0x01, 0x02, 0x03}, 0},
		{"one 3-byte", []byte{0x00, 0x00, 0x01, 0xAA}, 1},
		{"one 4-byte", []byte{0x00, 0x00, 0x00, 0x01, 0xAA}, 1},
		{"two mixed", []byte{
			0x00, 0x00, 0x00, 0x01, 0xAA, 0xBB,
			0x00, 0x00, 0x01, 0xCC, 0xDD,
		}, 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewParser(H264, tt.data)
			got := 0
			for p.Next() {
				got++
			}
			if got != tt.want {
				t.Errorf("start code count = %d, want %d", got, tt.want)
			}
		})
	}
}

func FuzzParserStartCodeCount(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x01, 0xAA, 0x00, 0x00, 0x00, 0x01, 0xBB})
	f.Fuzz(func(t *testing.T, data []byte) {
		p := NewParser(H264, data)
		for p.Next() {
			_ = p.CurrentLen()
			_ = p.Type()
		}
	})
}

func TestHEVCNALType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		firstByte byte
		want      byte
	}{
		{"VPS (32)", 0x40, 32},
		{"SPS (33)", 0x42, NALTypeHEVCSPS},
		{"PPS (34)", 0x44, 34},
		{"IDR_W_RADL (19)", 0x26, NALTypeHEVCIDRWRadl},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewParser(HEVC, []byte{0x00, 0x00, 0x01, tt.firstByte, 0x01})
			p.Next()
			if got := p.Type(); got != tt.want {
				t.Errorf("Type() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestVPKeyframePredicates(t *testing.T) {
	t.Parallel()
	if !IsVP8Keyframe(0xF0) {
		t.Error("IsVP8Keyframe(0xF0) = false, want true (bit 0 clear)")
	}
	if IsVP8Keyframe(0xF1) {
		t.Error("IsVP8Keyframe(0xF1) = true, want false (bit 0 set)")
	}
	if !IsVP9Keyframe(0x00) {
		t.Error("IsVP9Keyframe(0x00) = false, want true (bit 2 clear)")
	}
	if IsVP9Keyframe(0x04) {
		t.Error("IsVP9Keyframe(0x04) = true, want false (bit 2 set)")
	}
}

func TestContainsIDR(t *testing.T) {
	t.Parallel()
	idrH264 := []byte{0x00, 0x00, 0x01, 0x65, 0xFF}
	if !ContainsIDR(CodecH264, idrH264) {
		t.Error("expected IDR in H.264 stream")
	}

	vp9Key := []byte{0x00}
	if !ContainsIDR(CodecVP9, vp9Key) {
		t.Error("expected VP9 keyframe detection")
	}
	vp9NonKey := []byte{0x04}
	if ContainsIDR(CodecVP9, vp9NonKey) {
		t.Error("expected VP9 non-keyframe detection")
	}
}
