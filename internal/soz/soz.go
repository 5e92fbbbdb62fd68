// Package soz builds the X-ReCaptcha-Soz payload handed to the challenge
// page: a small protobuf message carrying the original client context,
// base64url encoded without padding.
package soz

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"
)

// HeaderName is the request header carrying the encoded payload.
const HeaderName = "X-ReCaptcha-Soz"

// Field numbers of the Soz message.
const (
	fieldHost           protowire.Number = 1
	fieldProjectNumber  protowire.Number = 2
	fieldSiteKey        protowire.Number = 3
	fieldUserIP         protowire.Number = 4
	fieldTimestamp      protowire.Number = 5
	fieldExemptDuration protowire.Number = 6
	fieldURI            protowire.Number = 7
)

// ErrMalformed is returned by Decode for payloads that are not a valid
// Soz message.
var ErrMalformed = errors.New("soz: malformed payload")

// Message is the decoded Soz payload. UserIP is always the raw 4 or 16
// byte address, never its textual form.
type Message struct {
	Host          string
	ProjectNumber uint64
	SiteKey       string
	UserIP        []byte
	URI           string
	// Timestamp and ExemptDuration are reserved and normally zero.
	Timestamp      uint64
	ExemptDuration uint64
}

// New builds a Message, converting the textual client IP to raw bytes.
func New(host, uri, siteKey string, projectNumber uint64, userIP string) (Message, error) {
	ip, err := RawIP(userIP)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Host:          host,
		ProjectNumber: projectNumber,
		SiteKey:       siteKey,
		UserIP:        ip,
		URI:           uri,
	}, nil
}

// RawIP converts a textual IPv4 or IPv6 address to its 4 or 16 byte form.
// An IPv4-mapped IPv6 address such as ::ffff:10.0.0.1 is unmapped first and
// encodes as 4 bytes, so the challenge page sees the client's IPv4 address.
func RawIP(s string) ([]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("soz: invalid user ip %q: %w", s, err)
	}
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return b[:], nil
	}
	b := addr.As16()
	return b[:], nil
}

// Marshal returns the binary encoding of m. Zero-valued fields are omitted.
func (m Message) Marshal() []byte {
	var b []byte
	if m.Host != "" {
		b = protowire.AppendTag(b, fieldHost, protowire.BytesType)
		b = protowire.AppendString(b, m.Host)
	}
	if m.ProjectNumber != 0 {
		b = protowire.AppendTag(b, fieldProjectNumber, protowire.VarintType)
		b = protowire.AppendVarint(b, m.ProjectNumber)
	}
	if m.SiteKey != "" {
		b = protowire.AppendTag(b, fieldSiteKey, protowire.BytesType)
		b = protowire.AppendString(b, m.SiteKey)
	}
	if len(m.UserIP) > 0 {
		b = protowire.AppendTag(b, fieldUserIP, protowire.BytesType)
		b = protowire.AppendBytes(b, m.UserIP)
	}
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Timestamp)
	}
	if m.ExemptDuration != 0 {
		b = protowire.AppendTag(b, fieldExemptDuration, protowire.VarintType)
		b = protowire.AppendVarint(b, m.ExemptDuration)
	}
	if m.URI != "" {
		b = protowire.AppendTag(b, fieldURI, protowire.BytesType)
		b = protowire.AppendString(b, m.URI)
	}
	return b
}

// Encode returns the header value for m.
func (m Message) Encode() string {
	return base64.RawURLEncoding.EncodeToString(m.Marshal())
}

// Unmarshal parses the binary encoding. Unknown fields are skipped.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldHost || num == fieldSiteKey || num == fieldUserIP || num == fieldURI):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case fieldHost:
				m.Host = string(v)
			case fieldSiteKey:
				m.SiteKey = string(v)
			case fieldUserIP:
				m.UserIP = append([]byte(nil), v...)
			case fieldURI:
				m.URI = string(v)
			}
			b = b[n:]
		case typ == protowire.VarintType && (num == fieldProjectNumber || num == fieldTimestamp || num == fieldExemptDuration):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case fieldProjectNumber:
				m.ProjectNumber = v
			case fieldTimestamp:
				m.Timestamp = v
			case fieldExemptDuration:
				m.ExemptDuration = v
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// Decode parses a header value produced by Encode.
func Decode(s string) (Message, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Unmarshal(raw)
}

// IP returns UserIP as a netip.Addr.
func (m Message) IP() (netip.Addr, bool) {
	return netip.AddrFromSlice(m.UserIP)
}
