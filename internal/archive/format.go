package archive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/webreplay/webreplay/internal/helpers"
)

// On-disk layout. Everything is big-endian.
//
//	file   := magic(8) version(1) archiveID(16) record*
//	record := length(4) payload
//
// The payload starts with its own schema version so individual records
// survive future header changes:
//
//	payload  := version(1) key response
//	key      := field*  terminated by tag 0
//	field    := tag(1) length(4) bytes
//	response := status(2) reasonLen(2) reason
//	            headerCount(2) (nameLen(2) name valueLen(2) value)*
//	            bodyLen(4) body recordedAt(8) chunked(1)
var magic = [8]byte{'W', 'E', 'B', 'R', 'P', 'L', 'A', 'Y'}

// SchemaVersion is the current record schema.
const SchemaVersion uint8 = 1

// Key field tags.
const (
	tagEnd      uint8 = 0
	tagMethod   uint8 = 1
	tagHost     uint8 = 2
	tagPath     uint8 = 3
	tagHeader   uint8 = 4 // repeated, one canonical line per field
	tagBodyHash uint8 = 5
)

// maxRecordSize rejects absurd length prefixes before allocating.
const maxRecordSize = 1 << 30

// HeaderField is one stored response header. Order is preserved exactly
// as recorded.
type HeaderField struct {
	Name  string
	Value string
}

// Response is a recorded HTTP response.
type Response struct {
	Status     int
	Reason     string
	Headers    []HeaderField
	Body       []byte
	RecordedAt int64 // epoch milliseconds
	Chunked    bool  // original transfer framing
}

// Header returns the first value of a stored header, matching
// case-insensitively on the recorded name.
func (r Response) Header(name string) string {
	for _, h := range r.Headers {
		if equalFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Entry is one archived exchange.
type Entry struct {
	Key      Key
	Response Response
}

func writeFileHeader(w io.Writer, id uuid.UUID) error {
	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("%w: write magic: %v", ErrArchive, err)
	}
	if _, err := w.Write([]byte{SchemaVersion}); err != nil {
		return fmt.Errorf("%w: write version: %v", ErrArchive, err)
	}
	if _, err := w.Write(id[:]); err != nil {
		return fmt.Errorf("%w: write archive id: %v", ErrArchive, err)
	}
	return nil
}

func readFileHeader(r io.Reader) (uuid.UUID, error) {
	var hdr [8 + 1 + 16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return uuid.Nil, fmt.Errorf("%w: short file header: %v", ErrArchive, err)
	}
	if !bytes.Equal(hdr[:8], magic[:]) {
		return uuid.Nil, fmt.Errorf("%w: bad magic %q", ErrArchive, hdr[:8])
	}
	if hdr[8] != SchemaVersion {
		return uuid.Nil, fmt.Errorf("%w: unsupported schema version %d", ErrArchive, hdr[8])
	}
	id, err := uuid.FromBytes(hdr[9:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad archive id: %v", ErrArchive, err)
	}
	return id, nil
}

func appendTagged(dst []byte, tag uint8, data []byte) []byte {
	dst = append(dst, tag)
	dst = binary.BigEndian.AppendUint32(dst, helpers.ClampIntToUint32(len(data)))
	return append(dst, data...)
}

func appendString16(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, helpers.ClampIntToUint16(len(s)))
	return append(dst, s...)
}

// encodeEntry serializes an entry as a length-prefixed record.
func encodeEntry(e Entry) []byte {
	payload := make([]byte, 0, 256+len(e.Response.Body))
	payload = append(payload, SchemaVersion)

	payload = appendTagged(payload, tagMethod, []byte(e.Key.Method))
	payload = appendTagged(payload, tagHost, []byte(e.Key.Host))
	payload = appendTagged(payload, tagPath, []byte(e.Key.Path))
	for _, line := range e.Key.Headers {
		payload = appendTagged(payload, tagHeader, []byte(line))
	}
	payload = appendTagged(payload, tagBodyHash, e.Key.BodyHash[:])
	payload = append(payload, tagEnd)

	resp := e.Response
	payload = binary.BigEndian.AppendUint16(payload, helpers.ClampIntToUint16(resp.Status))
	payload = appendString16(payload, resp.Reason)
	payload = binary.BigEndian.AppendUint16(payload, helpers.ClampIntToUint16(len(resp.Headers)))
	for _, h := range resp.Headers {
		payload = appendString16(payload, h.Name)
		payload = appendString16(payload, h.Value)
	}
	payload = binary.BigEndian.AppendUint32(payload, helpers.ClampIntToUint32(len(resp.Body)))
	payload = append(payload, resp.Body...)
	payload = binary.BigEndian.AppendUint64(payload, uint64(resp.RecordedAt))
	if resp.Chunked {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}

	out := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(payload)), uint32(len(payload)))
	return append(out, payload...)
}

type payloadReader struct {
	buf []byte
	off int
}

func (p *payloadReader) take(n int) ([]byte, error) {
	if n < 0 || p.off+n > len(p.buf) {
		return nil, fmt.Errorf("%w: truncated record payload", ErrArchive)
	}
	b := p.buf[p.off : p.off+n]
	p.off += n
	return b, nil
}

func (p *payloadReader) byte() (byte, error) {
	b, err := p.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *payloadReader) uint16() (uint16, error) {
	b, err := p.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (p *payloadReader) uint32() (uint32, error) {
	b, err := p.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (p *payloadReader) uint64() (uint64, error) {
	b, err := p.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (p *payloadReader) string16() (string, error) {
	n, err := p.uint16()
	if err != nil {
		return "", err
	}
	b, err := p.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeEntry(payload []byte) (Entry, error) {
	p := &payloadReader{buf: payload}

	version, err := p.byte()
	if err != nil {
		return Entry{}, err
	}
	if version != SchemaVersion {
		return Entry{}, fmt.Errorf("%w: record schema version %d", ErrArchive, version)
	}

	var e Entry
	for {
		tag, err := p.byte()
		if err != nil {
			return Entry{}, err
		}
		if tag == tagEnd {
			break
		}
		length, err := p.uint32()
		if err != nil {
			return Entry{}, err
		}
		data, err := p.take(int(length))
		if err != nil {
			return Entry{}, err
		}
		switch tag {
		case tagMethod:
			e.Key.Method = string(data)
		case tagHost:
			e.Key.Host = string(data)
		case tagPath:
			e.Key.Path = string(data)
		case tagHeader:
			e.Key.Headers = append(e.Key.Headers, string(data))
		case tagBodyHash:
			if len(data) != HashSize {
				return Entry{}, fmt.Errorf("%w: body hash is %d bytes", ErrArchive, len(data))
			}
			copy(e.Key.BodyHash[:], data)
		default:
			// Unknown tags are skipped for forward compatibility.
		}
	}

	status, err := p.uint16()
	if err != nil {
		return Entry{}, err
	}
	e.Response.Status = int(status)
	if e.Response.Reason, err = p.string16(); err != nil {
		return Entry{}, err
	}

	headerCount, err := p.uint16()
	if err != nil {
		return Entry{}, err
	}
	for range headerCount {
		name, err := p.string16()
		if err != nil {
			return Entry{}, err
		}
		value, err := p.string16()
		if err != nil {
			return Entry{}, err
		}
		e.Response.Headers = append(e.Response.Headers, HeaderField{Name: name, Value: value})
	}

	bodyLen, err := p.uint32()
	if err != nil {
		return Entry{}, err
	}
	body, err := p.take(int(bodyLen))
	if err != nil {
		return Entry{}, err
	}
	e.Response.Body = append([]byte(nil), body...)

	recordedAt, err := p.uint64()
	if err != nil {
		return Entry{}, err
	}
	e.Response.RecordedAt = int64(recordedAt)

	chunked, err := p.byte()
	if err != nil {
		return Entry{}, err
	}
	e.Response.Chunked = chunked != 0

	if p.off != len(p.buf) {
		return Entry{}, fmt.Errorf("%w: %d trailing bytes in record", ErrArchive, len(p.buf)-p.off)
	}
	return e, nil
}

func readEntry(r *bufio.Reader) (Entry, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("%w: short record length: %v", ErrArchive, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxRecordSize {
		return Entry{}, fmt.Errorf("%w: implausible record length %d", ErrArchive, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Entry{}, fmt.Errorf("%w: short record payload: %v", ErrArchive, err)
	}
	return decodeEntry(payload)
}
