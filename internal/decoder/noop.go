package decoder

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// headerScanLimit bounds how far into a payload the point count is looked for.
const headerScanLimit = 4096

// Noop passes payloads through unchanged.
//
// When the payload starts with a PLY or PCD ASCII header the point count is
// read from it; the body is never parsed.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, &Error{Kind: KindEmpty, Err: errEmpty}
	}
	return &Frame{Payload: data, Points: sniffPoints(data)}, nil
}

func (d Noop) DecodeFolder(path string) error {
	return decodeFolder(d, path)
}

// sniffPoints reads "element vertex N" (PLY) or "POINTS N" (PCD).
func sniffPoints(data []byte) int {
	head := data
	if len(head) > headerScanLimit {
		head = head[:headerScanLimit]
	}
	if !bytes.HasPrefix(head, []byte("ply")) && !bytes.HasPrefix(head, []byte("#")) && !bytes.HasPrefix(head, []byte("VERSION")) {
		return 0
	}

	scanner := bufio.NewScanner(bytes.NewReader(head))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch {
		case len(fields) == 3 && fields[0] == "element" && fields[1] == "vertex":
			n, _ := strconv.Atoi(fields[2])
			return n
		case len(fields) == 2 && fields[0] == "POINTS":
			n, _ := strconv.Atoi(fields[1])
			return n
		case len(fields) > 0 && (fields[0] == "end_header" || fields[0] == "DATA"):
			return 0
		}
	}
	return 0
}
