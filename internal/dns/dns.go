// Package dns implements the subset of the DNS wire format (RFC 1035,
// RFC 3596) that the interceptor needs: bounded request parsing, name
// compression on decode, and response synthesis for A/AAAA answers and
// error rcodes.
package dns

import "errors"

// ErrWire is the sentinel for DNS wire-format violations.
// Wrap it with fmt.Errorf("context: %w", ErrWire) to add context.
var ErrWire = errors.New("dns wire error")

// Header flag bits and masks (RFC 1035 Section 4.1.1).
//
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
//	|QR|   Opcode  |AA|TC|RD|RA| Z|AD|CD|   RCODE   |
//	+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+--+
const (
	FlagQR     uint16 = 0x8000 // 1 = response, 0 = query
	OpcodeMask uint16 = 0x7800 // bits 14-11, >> 11 to extract
	FlagAA     uint16 = 0x0400 // authoritative answer
	FlagTC     uint16 = 0x0200 // truncated
	FlagRD     uint16 = 0x0100 // recursion desired
	FlagRA     uint16 = 0x0080 // recursion available
	RCodeMask  uint16 = 0x000F // bits 3-0
)

// Type is a DNS resource record type.
type Type uint16

const (
	TypeA     Type = 1
	TypeNS    Type = 2
	TypeCNAME Type = 5
	TypeSOA   Type = 6
	TypePTR   Type = 12
	TypeMX    Type = 15
	TypeTXT   Type = 16
	TypeAAAA  Type = 28
	TypeOPT   Type = 41
)

// Class is a DNS resource record class.
type Class uint16

// ClassIN is the Internet class, the only one the interceptor answers.
const ClassIN Class = 1

// RCode is a DNS response code.
type RCode uint16

const (
	RCodeNoError  RCode = 0
	RCodeFormErr  RCode = 1
	RCodeServFail RCode = 2
	RCodeNXDomain RCode = 3
	RCodeNotImp   RCode = 4
	RCodeRefused  RCode = 5
)

// RCodeOf extracts the response code from a header flags field.
func RCodeOf(flags uint16) RCode {
	return RCode(flags & RCodeMask)
}

// IsResponse reports whether the QR bit is set.
func IsResponse(flags uint16) bool {
	return flags&FlagQR != 0
}

// Opcode extracts the 4-bit opcode from a header flags field.
func Opcode(flags uint16) uint16 {
	return (flags & OpcodeMask) >> 11
}
