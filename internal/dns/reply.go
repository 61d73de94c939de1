package dns

import (
	"fmt"
	"net/netip"
)

// replyFlags builds response flags: QR set, RD copied from the request,
// RA set (the interceptor always recurses on the client's behalf), and
// the given rcode in the low bits.
func replyFlags(reqFlags uint16, rcode RCode) uint16 {
	flags := FlagQR | FlagRA
	flags |= reqFlags & FlagRD
	return flags | uint16(rcode)&RCodeMask
}

// ErrorReply builds an answerless response carrying rcode, echoing the
// request's transaction ID and question.
func ErrorReply(req Message, rcode RCode) Message {
	return Message{
		Header: Header{
			ID:    req.Header.ID,
			Flags: replyFlags(req.Header.Flags, rcode),
		},
		Questions: req.Questions,
	}
}

// ErrorReplyRaw salvages a SERVFAIL/FORMERR response from request bytes
// that failed full parsing, as long as the header survived. Returns nil
// when not even a transaction ID can be recovered.
func ErrorReplyRaw(req []byte, rcode RCode) []byte {
	off := 0
	h, err := parseHeader(req, &off)
	if err != nil || IsResponse(h.Flags) {
		return nil
	}
	m := Message{Header: Header{ID: h.ID, Flags: replyFlags(h.Flags, rcode)}}
	out, err := m.Marshal()
	if err != nil {
		return nil
	}
	return out
}

// AddressReply builds a response answering the request's question with
// the given address and TTL. The record type follows the address family.
func AddressReply(req Message, addr netip.Addr, ttl uint32) (Message, error) {
	if len(req.Questions) == 0 {
		return Message{}, fmt.Errorf("%w: request has no question", ErrWire)
	}
	q := req.Questions[0]
	rr := Record{
		Name:  q.Name,
		Class: ClassIN,
		TTL:   ttl,
	}
	if addr.Is4() {
		a4 := addr.As4()
		rr.Type = TypeA
		rr.Data = a4[:]
	} else {
		a16 := addr.As16()
		rr.Type = TypeAAAA
		rr.Data = a16[:]
	}
	return Message{
		Header: Header{
			ID:    req.Header.ID,
			Flags: replyFlags(req.Header.Flags, RCodeNoError),
		},
		Questions: req.Questions,
		Answers:   []Record{rr},
	}, nil
}

// PatchID overwrites the transaction ID in raw message bytes. Used to
// restore the client's ID on responses relayed from an upstream. The
// input is copied only when the ID actually differs.
func PatchID(msg []byte, id uint16) []byte {
	if len(msg) < 2 {
		return msg
	}
	if msg[0] == byte(id>>8) && msg[1] == byte(id) {
		return msg
	}
	out := append([]byte(nil), msg...)
	out[0] = byte(id >> 8)
	out[1] = byte(id)
	return out
}
