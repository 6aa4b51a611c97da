package nal

import (
	"testing"
)

func TestExpGolombRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []uint64{0, 1, 2, 3, 4, 100, 1000, 1 << 20, 1<<32 - 2}
	for _, x := range cases {
		x := x
		t.Run("", func(t *testing.T) {
			t.Parallel()
			encoded := EncodeUE(x)
			got, err := ParseUE(encoded)
			if err != nil {
				t.Fatalf("ParseUE(EncodeUE(%d)): %v", x, err)
			}
			if got != x {
				t.Errorf("ParseUE(EncodeUE(%d)) = %d, want %d", x, got, x)
			}
		})
	}
}

func TestExpGolombSignedRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []int64{0, 1, -1, 2, -2, 1000, -1000, 1 << 20, -(1 << 20)}
	for _, x := range cases {
		x := x
		t.Run("", func(t *testing.T) {
			t.Parallel()
			encoded := EncodeSE(x)
			got, err := ParseSE(encoded)
			if err != nil {
				t.Fatalf("ParseSE(EncodeSE(%d)): %v", x, err)
			}
			if got != x {
				t.Errorf("ParseSE(EncodeSE(%d)) = %d, want %d", x, got, x)
			}
		})
	}
}

func TestParseUEInsufficientData(t *testing.T) {
	t.Parallel()
	if _, err := ParseUE([]byte{0x00}); err == nil {
		t.Error("expected error for truncated Exp-Golomb code")
	}
}

func FuzzExpGolombUE(f *testing.F) {
	f.Add(uint64(0))
	f.Add(uint64(1))
	f.Add(uint64(1 << 16))
	f.Fuzz(func(t *testing.T, x uint64) {
		if x >= 1<<32-1 {
			x %= 1 << 32 - 1
		}
		encoded := EncodeUE(x)
		got, err := ParseUE(encoded)
		if err != nil {
			t.Fatalf("ParseUE(EncodeUE(%d)): %v", x, err)
		}
		if got != x {
			t.Fatalf("round-trip mismatch: got %d, want %d", got, x)
		}
	})
}
