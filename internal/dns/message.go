package dns

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// HeaderSize is the fixed DNS header size in bytes.
const HeaderSize = 12

// Header is the 12-byte DNS message header (RFC 1035 Section 4.1.1).
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

func (h Header) append(dst []byte) []byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.ID)
	binary.BigEndian.PutUint16(b[2:4], h.Flags)
	binary.BigEndian.PutUint16(b[4:6], h.QDCount)
	binary.BigEndian.PutUint16(b[6:8], h.ANCount)
	binary.BigEndian.PutUint16(b[8:10], h.NSCount)
	binary.BigEndian.PutUint16(b[10:12], h.ARCount)
	return append(dst, b[:]...)
}

func parseHeader(msg []byte, off *int) (Header, error) {
	if *off+HeaderSize > len(msg) {
		return Header{}, fmt.Errorf("%w: short header", ErrWire)
	}
	h := Header{
		ID:      binary.BigEndian.Uint16(msg[*off:]),
		Flags:   binary.BigEndian.Uint16(msg[*off+2:]),
		QDCount: binary.BigEndian.Uint16(msg[*off+4:]),
		ANCount: binary.BigEndian.Uint16(msg[*off+6:]),
		NSCount: binary.BigEndian.Uint16(msg[*off+8:]),
		ARCount: binary.BigEndian.Uint16(msg[*off+10:]),
	}
	*off += HeaderSize
	return h, nil
}

// Question is a DNS question section entry (RFC 1035 Section 4.1.2).
// Name is normalized to lowercase without a trailing dot.
type Question struct {
	Name  string
	Type  Type
	Class Class
}

func (q Question) append(dst []byte) ([]byte, error) {
	dst, err := AppendName(dst, q.Name)
	if err != nil {
		return nil, err
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(q.Type))
	dst = binary.BigEndian.AppendUint16(dst, uint16(q.Class))
	return dst, nil
}

func parseQuestion(msg []byte, off *int) (Question, error) {
	name, err := ReadName(msg, off)
	if err != nil {
		return Question{}, err
	}
	if *off+4 > len(msg) {
		return Question{}, fmt.Errorf("%w: truncated question", ErrWire)
	}
	q := Question{
		Name:  Normalize(name),
		Type:  Type(binary.BigEndian.Uint16(msg[*off:])),
		Class: Class(binary.BigEndian.Uint16(msg[*off+2:])),
	}
	*off += 4
	return q, nil
}

// Record is a resource record with raw RDATA. The interceptor only ever
// inspects A/AAAA payloads; everything else travels opaquely.
type Record struct {
	Name  string
	Type  Type
	Class Class
	TTL   uint32
	Data  []byte
}

// Addr returns the address carried by an A or AAAA record.
func (r Record) Addr() (netip.Addr, bool) {
	if r.Type != TypeA && r.Type != TypeAAAA {
		return netip.Addr{}, false
	}
	return netip.AddrFromSlice(r.Data)
}

func (r Record) append(dst []byte) ([]byte, error) {
	var err error
	if r.Type == TypeOPT {
		dst = append(dst, 0)
	} else if dst, err = AppendName(dst, r.Name); err != nil {
		return nil, err
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.Type))
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.Class))
	dst = binary.BigEndian.AppendUint32(dst, r.TTL)
	if len(r.Data) > 0xFFFF {
		return nil, fmt.Errorf("%w: rdata exceeds 65535 bytes", ErrWire)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(r.Data)))
	return append(dst, r.Data...), nil
}

func parseRecord(msg []byte, off *int) (Record, error) {
	name, err := ReadName(msg, off)
	if err != nil {
		return Record{}, err
	}
	if *off+10 > len(msg) {
		return Record{}, fmt.Errorf("%w: truncated record", ErrWire)
	}
	r := Record{
		Name:  Normalize(name),
		Type:  Type(binary.BigEndian.Uint16(msg[*off:])),
		Class: Class(binary.BigEndian.Uint16(msg[*off+2:])),
		TTL:   binary.BigEndian.Uint32(msg[*off+4:]),
	}
	rdlen := int(binary.BigEndian.Uint16(msg[*off+8:]))
	*off += 10
	if *off+rdlen > len(msg) {
		return Record{}, fmt.Errorf("%w: truncated rdata", ErrWire)
	}
	r.Data = append([]byte(nil), msg[*off:*off+rdlen]...)
	*off += rdlen
	return r, nil
}

// Message is a complete DNS message.
type Message struct {
	Header      Header
	Questions   []Question
	Answers     []Record
	Authorities []Record
	Additionals []Record
}

// Marshal serializes the message to wire format (big-endian). Section
// counts come from the slice lengths, not the header the message was
// parsed with.
func (m Message) Marshal() ([]byte, error) {
	h := m.Header
	h.QDCount = uint16(len(m.Questions))
	h.ANCount = uint16(len(m.Answers))
	h.NSCount = uint16(len(m.Authorities))
	h.ARCount = uint16(len(m.Additionals))

	out := h.append(make([]byte, 0, HeaderSize+64*len(m.Questions)+128*len(m.Answers)))
	var err error
	for _, q := range m.Questions {
		if out, err = q.append(out); err != nil {
			return nil, err
		}
	}
	for _, sec := range [][]Record{m.Answers, m.Authorities, m.Additionals} {
		for _, r := range sec {
			if out, err = r.append(out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Parsing limits. A message claiming more than this is either hostile or
// broken; refuse it before allocating.
const (
	MaxMessageSize  = 4096
	maxRRPerSection = 64
)

// Parse decodes a complete DNS message.
func Parse(msg []byte) (Message, error) {
	off := 0
	h, err := parseHeader(msg, &off)
	if err != nil {
		return Message{}, err
	}
	m := Message{Header: h}

	for range h.QDCount {
		q, err := parseQuestion(msg, &off)
		if err != nil {
			return Message{}, err
		}
		m.Questions = append(m.Questions, q)
	}
	for _, sec := range []struct {
		n   uint16
		dst *[]Record
	}{
		{h.ANCount, &m.Answers},
		{h.NSCount, &m.Authorities},
		{h.ARCount, &m.Additionals},
	} {
		for range sec.n {
			r, err := parseRecord(msg, &off)
			if err != nil {
				return Message{}, err
			}
			*sec.dst = append(*sec.dst, r)
		}
	}
	return m, nil
}

// ParseQuery decodes and vets an incoming request: size-bounded, a query
// (QR clear, opcode 0), exactly one question, sane section counts.
func ParseQuery(msg []byte) (Message, error) {
	if len(msg) > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: message exceeds %d bytes", ErrWire, MaxMessageSize)
	}
	m, err := Parse(msg)
	if err != nil {
		return Message{}, err
	}
	if IsResponse(m.Header.Flags) {
		return Message{}, fmt.Errorf("%w: QR flag set on a query", ErrWire)
	}
	if op := Opcode(m.Header.Flags); op != 0 {
		return Message{}, fmt.Errorf("%w: unsupported opcode %d", ErrWire, op)
	}
	if len(m.Questions) != 1 {
		return Message{}, fmt.Errorf("%w: expected exactly one question, got %d", ErrWire, len(m.Questions))
	}
	if len(m.Answers) > maxRRPerSection || len(m.Authorities) > maxRRPerSection || len(m.Additionals) > maxRRPerSection {
		return Message{}, fmt.Errorf("%w: oversized record section", ErrWire)
	}
	return m, nil
}
