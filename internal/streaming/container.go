package streaming

import (
	"encoding/binary"
	"errors"
	"io"
)

// Container probes read only a few headers through io.ReaderAt, so they
// also work on torrent readers that block until the pieces arrive.

var (
	ErrNotMP4 = errors.New("not an MP4 container")
	ErrNotMKV = errors.New("not a Matroska container")

	errAtomNotFound = errors.New("atom not found")
)

const (
	atomHeaderLen = 8
	atomScanLimit = 100 * 1024 * 1024

	// moov counts as "at start" when it ends within the first 20MB, or
	// within the first 3/4 of files smaller than 50MB.
	fastStartLimit = 20 * 1024 * 1024
	smallFileLimit = 50 * 1024 * 1024

	// SeekHead and Cues of most Matroska files fall within this prefix.
	matroskaHeaderSize = 20 * 1024 * 1024
	ebmlProbeLen       = 64
)

var ebmlMagic = [4]byte{0x1A, 0x45, 0xDF, 0xA3}

// EBML element IDs, marker bits included.
const (
	ebmlIDHeader  = 0x1A45DFA3
	ebmlIDDocType = 0x4282
)

// openingAtoms are box types an ISO BMFF file may begin with.
var openingAtoms = map[string]bool{
	"ftyp": true,
	"moov": true,
	"mdat": true,
	"free": true,
	"skip": true,
	"wide": true,
	"pnot": true,
	"pict": true,
}

type atom struct {
	kind   string
	offset int64
	size   int64
}

// readAtom reads the box header at pos. A zero size means the box runs to
// limit.
func readAtom(r io.ReaderAt, pos, limit int64) (atom, bool, error) {
	var hdr [16]byte
	n, err := r.ReadAt(hdr[:atomHeaderLen], pos)
	if err != nil && err != io.EOF {
		return atom{}, false, err
	}
	if n < atomHeaderLen {
		return atom{}, false, nil
	}

	a := atom{
		kind:   string(hdr[4:8]),
		offset: pos,
		size:   int64(binary.BigEndian.Uint32(hdr[:4])),
	}
	switch a.size {
	case 0:
		a.size = limit - pos
	case 1:
		n, err := r.ReadAt(hdr[8:16], pos+atomHeaderLen)
		if err != nil && err != io.EOF {
			return atom{}, false, err
		}
		if n < 8 {
			return atom{}, false, nil
		}
		a.size = int64(binary.BigEndian.Uint64(hdr[8:16]))
	}
	return a, true, nil
}

// findAtom walks top-level boxes in [0, limit) until it meets kind.
func findAtom(r io.ReaderAt, kind string, limit int64) (atom, error) {
	for pos := int64(0); pos < limit; {
		a, ok, err := readAtom(r, pos, limit)
		if err != nil {
			return atom{}, err
		}
		if !ok {
			break
		}
		if a.kind == kind {
			return a, nil
		}
		if a.size < atomHeaderLen {
			break
		}
		pos += a.size
	}
	return atom{}, errAtomNotFound
}

// probeMP4 locates the moov box. When moov sits at the end of the file the
// player needs it before it can seek, so the footer must be fetched early.
func probeMP4(r io.ReaderAt, size int64) (*FormatInfo, error) {
	first, ok, err := readAtom(r, 0, size)
	if err != nil {
		return nil, err
	}
	if !ok || !openingAtoms[first.kind] {
		return nil, ErrNotMP4
	}

	info := &FormatInfo{
		Format:      FormatMP4,
		HeaderSize:  defaultHeaderSize,
		NeedsFooter: true,
	}

	moov, err := findAtom(r, "moov", min(atomScanLimit, size))
	if err != nil {
		return info, nil
	}
	info.MoovOffset = moov.offset
	info.MoovSize = moov.size

	moovEnd := moov.offset + moov.size
	fastStart := moovEnd <= fastStartLimit
	if size < smallFileLimit {
		fastStart = moovEnd <= size*3/4
	}
	if fastStart {
		info.HeaderSize = moovEnd
		info.NeedsFooter = false
	}
	return info, nil
}

// probeMatroska checks the EBML signature and reads DocType from the EBML
// header when it fits in the first bytes. Cues may be written at the end.
func probeMatroska(r io.ReaderAt, size int64) (*FormatInfo, error) {
	buf := make([]byte, ebmlProbeLen)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]
	if n < len(ebmlMagic) || [4]byte(buf[:4]) != ebmlMagic {
		return nil, ErrNotMKV
	}

	return &FormatInfo{
		Format:      FormatMKV,
		DocType:     ebmlDocType(buf),
		HeaderSize:  min(int64(matroskaHeaderSize), size),
		NeedsFooter: true,
	}, nil
}

// ebmlDocType returns the DocType string of an EBML header, or "" when the
// header is truncated or has none.
func ebmlDocType(buf []byte) string {
	id, n := readVint(buf, true)
	if n == 0 || id != ebmlIDHeader {
		return ""
	}
	buf = buf[n:]

	bodyLen, n := readVint(buf, false)
	if n == 0 {
		return ""
	}
	body := buf[n:]
	if uint64(len(body)) > bodyLen {
		body = body[:bodyLen]
	}

	for len(body) > 0 {
		id, n := readVint(body, true)
		if n == 0 {
			return ""
		}
		body = body[n:]

		dataLen, n := readVint(body, false)
		if n == 0 || uint64(len(body)-n) < dataLen {
			return ""
		}
		data := body[n : n+int(dataLen)]
		body = body[n+int(dataLen):]

		if id == ebmlIDDocType {
			return string(data)
		}
	}
	return ""
}

// readVint decodes an EBML variable-length integer. Element IDs keep their
// length marker bit, sizes drop it. n is 0 when buf is too short.
func readVint(buf []byte, keepMarker bool) (v uint64, n int) {
	if len(buf) == 0 || buf[0] == 0 {
		return 0, 0
	}

	width := 1
	for mask := byte(0x80); buf[0]&mask == 0; mask >>= 1 {
		width++
	}
	if len(buf) < width {
		return 0, 0
	}

	v = uint64(buf[0])
	if !keepMarker {
		v &= uint64(0xFF >> width)
	}
	for _, b := range buf[1:width] {
		v = v<<8 | uint64(b)
	}
	return v, width
}
