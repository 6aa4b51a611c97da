package nal

// Codec tags the NAL-unit syntax a Parser walks.
type Codec int

const (
	// H264 selects ITU-T H.264 NAL unit typing (5-bit type, byte 0).
	H264 Codec = iota
	// HEVC selects ITU-T H.265 NAL unit typing (6-bit type, bits 6..1 of byte 0).
	HEVC
)

// NALTypeH264 enumerates the H.264 NAL unit types this package inspects.
const (
	NALTypeH264IDR = 5
	NALTypeH264SPS = 7
)

// NALTypeHEVC enumerates the HEVC NAL unit types this package inspects.
const (
	NALTypeHEVCIDRWRadl = 19
	NALTypeHEVCSPS      = 33
)

// Parser is a stateless walker over a raw byte buffer: a lazy cursor that
// advances to the byte immediately after the next start-code.
type Parser struct {
	codec Codec
	data  []byte
	// cursor is the offset of the current NAL payload (just past the start
	// code that introduced it), or -1 before the first Next().
	cursor int
}

// NewParser wraps data for the given codec. data must outlive the Parser;
// it is never copied or mutated.
func NewParser(codec Codec, data []byte) *Parser {
	return &Parser{codec: codec, data: data, cursor: -1}
}

// findStartCode returns the offset of the byte following the next 00 00 01
// start code at or after from, and ok=false if none remains. A leading 00
// of a four-byte 00 00 00 01 sequence is treated as part of the prior NAL
// unit's trailing padding, not as a separate start code.
func findStartCode(data []byte, from int) (dataStart int, ok bool) {
	n := len(data)
	for i := from; i+2 < n; i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			return i + 3, true
		}
	}
	return 0, false
}

// Next advances the cursor to the byte immediately after the next start
// code and reports whether one was found.
func (p *Parser) Next() bool {
	from := 0
	if p.cursor >= 0 {
		from = p.cursor
	}
	next, ok := findStartCode(p.data, from)
	if !ok {
		return false
	}
	p.cursor = next
	return true
}

// CurrentLen returns the byte count from the cursor to the byte before the
// next start-code (or the end of the buffer), minus one if the buffer ends
// in a trailing 00 byte that belongs to the following four-byte start code.
func (p *Parser) CurrentLen() int {
	if p.cursor < 0 {
		return 0
	}
	end := len(p.data)
	if next, ok := findStartCode(p.data, p.cursor); ok {
		// next points just past the following start code (scStart+3);
		// the NAL ends at the start of that code, minus any leading 00 of
		// a four-byte variant that was already consumed as trailing pad.
		scStart := next - 3
		end = scStart
	}
	n := end - p.cursor
	if n > 0 && p.data[end-1] == 0 {
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}

// current returns the raw bytes of the NAL unit at the cursor.
func (p *Parser) current() []byte {
	n := p.CurrentLen()
	if p.cursor < 0 || n <= 0 || p.cursor+n > len(p.data) {
		return nil
	}
	return p.data[p.cursor : p.cursor+n]
}

// Type returns the NAL unit type of the NAL at the current cursor.
func (p *Parser) Type() byte {
	cur := p.current()
	if len(cur) == 0 {
		return 0
	}
	switch p.codec {
	case HEVC:
		return (cur[0] >> 1) & 0x3F
	default:
		return cur[0] & 0x1F
	}
}

// spsType returns the NAL type LocateSPS is looking for.
func (p *Parser) spsType() byte {
	if p.codec == HEVC {
		return NALTypeHEVCSPS
	}
	return NALTypeH264SPS
}

func (p *Parser) idrType() byte {
	if p.codec == HEVC {
		return NALTypeHEVCIDRWRadl
	}
	return NALTypeH264IDR
}

// LocateSPS advances to the next SPS NAL unit (H.264 type 7, HEVC type 33)
// and returns its raw bytes, or nil if none remains.
func (p *Parser) LocateSPS() []byte {
	want := p.spsType()
	for p.Next() {
		if p.Type() == want {
			return p.current()
		}
	}
	return nil
}

// LocateIDR advances to the next IDR NAL unit (H.264 type 5, HEVC type 19)
// and returns true if one was found before the buffer was exhausted.
func (p *Parser) LocateIDR() bool {
	want := p.idrType()
	for p.Next() {
		if p.Type() == want {
			return true
		}
	}
	return false
}
