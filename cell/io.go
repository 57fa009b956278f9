package cell

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader reads Tor cells from a buffered reader at a given CircID width:
// 4 bytes for NewReader, or the width passed to NewReaderW (2 for link
// protocols 1-3 and the pre-negotiation window). SetCircIDLen changes the
// width mid-stream, e.g. once link protocol 4+ is negotiated.
type Reader struct {
	r         *bufio.Reader
	circIDLen CircIDLen
}

func NewReader(r *bufio.Reader) *Reader {
	return &Reader{r: r, circIDLen: CircIDLen4}
}

// NewReaderW creates a Reader starting at the given CircID width.
func NewReaderW(r *bufio.Reader, w CircIDLen) *Reader {
	return &Reader{r: r, circIDLen: w}
}

// SetCircIDLen widens (or narrows) the CircID field width used by ReadCell.
// Called once, right after VERSIONS negotiation decides the link protocol.
func (cr *Reader) SetCircIDLen(w CircIDLen) {
	cr.circIDLen = w
}

// CircIDLen returns the width currently in effect.
func (cr *Reader) CircIDLen() CircIDLen {
	return cr.circIDLen
}

// ReadCell reads a cell at the Reader's current CircID width.
func (cr *Reader) ReadCell() (Cell, error) {
	w := cr.circIDLen
	hdr := make([]byte, int(w)+1)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read cell header: %w", err)
	}
	cmd := hdr[w]

	if IsVariableLength(cmd) {
		var lenBuf [2]byte
		if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read varlen length: %w", err)
		}
		pLen := binary.BigEndian.Uint16(lenBuf[:])
		if int(pLen) > MaxVarPayloadLen {
			return nil, fmt.Errorf("variable-length cell payload too large: %d bytes (max %d)", pLen, MaxVarPayloadLen)
		}
		c := make(Cell, int(w)+3+int(pLen))
		copy(c[0:int(w)+1], hdr)
		copy(c[int(w)+1:int(w)+3], lenBuf[:])
		if pLen > 0 {
			if _, err := io.ReadFull(cr.r, c[int(w)+3:]); err != nil {
				return nil, fmt.Errorf("read varlen payload: %w", err)
			}
		}
		return c, nil
	}

	c := make(Cell, FixedCellLenFor(w))
	copy(c[0:int(w)+1], hdr)
	if _, err := io.ReadFull(cr.r, c[int(w)+1:]); err != nil {
		return nil, fmt.Errorf("read fixed payload: %w", err)
	}
	return c, nil
}

// ReadVersionsCell reads a VERSIONS cell which always uses a 2-byte CircID,
// regardless of the Reader's current width (VERSIONS runs before the width
// for the rest of the session is decided).
func (cr *Reader) ReadVersionsCell() (Cell, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read versions header: %w", err)
	}
	if hdr[2] != CmdVersions {
		return nil, fmt.Errorf("expected VERSIONS (7), got command %d", hdr[2])
	}
	pLen := binary.BigEndian.Uint16(hdr[3:5])
	c := make(Cell, 5+int(pLen))
	copy(c[0:5], hdr)
	if pLen > 0 {
		if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
			return nil, fmt.Errorf("read versions payload: %w", err)
		}
	}
	return c, nil
}

// ParseVersions extracts version numbers from a VERSIONS cell read with ReadVersionsCell.
// The cell format is: 2-byte CircID + 1-byte cmd + 2-byte length + payload.
// Note: VERSIONS cells have a 2-byte CircID layout, so Cell accessor methods
// (CircID, Command, Payload, PayloadLen) must NOT be used on them.
func ParseVersions(c Cell) []uint16 {
	payload := c[5:] // after 2-byte circID + cmd + 2-byte length
	n := len(payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return versions
}

// Writer writes Tor cells. A Cell already carries its own CircID width
// baked in by whichever constructor built it, so Writer itself need not
// know the width.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (cw *Writer) WriteCell(c Cell) error {
	_, err := cw.w.Write(c)
	return err
}
