// Package supl converts SUPL server addresses between the text form operators
// use and the two forms the positioning device stores.
package supl

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

var ErrMalformedURL = errors.New("supl: malformed UTF-16BE url")

// utf16be is the URL wire encoding: UTF-16, big endian, no byte-order mark.
var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Address is a SUPL server as carried on the wire: either a numeric IPv4
// address with port, or a URL encoded as UTF-16BE.
type Address struct {
	addrPort netip.AddrPort
	url      []byte
}

// Numeric builds the address+port variant.
func Numeric(ap netip.AddrPort) Address {
	return Address{addrPort: ap}
}

// URL builds the URL variant from its wire bytes.
func URL(wire []byte) Address {
	return Address{url: append([]byte(nil), wire...)}
}

// IsNumeric reports whether the address carries a usable (non-zero) IPv4
// address and a non-zero port.
func (a Address) IsNumeric() bool {
	if !a.addrPort.IsValid() || a.addrPort.Port() == 0 {
		return false
	}
	ip := a.addrPort.Addr()
	return ip.Is4() && !ip.IsUnspecified()
}

// AddrPort returns the numeric variant, zero when absent.
func (a Address) AddrPort() netip.AddrPort { return a.addrPort }

// WireURL returns the UTF-16BE URL bytes, nil when absent.
func (a Address) WireURL() []byte { return a.url }

// Parse turns operator text into an Address. It never fails: anything that is
// not exactly "<dotted-decimal IPv4>:<port 1-65535>" is stored as a URL.
func Parse(text string) Address {
	if ap, ok := parseIPPort(text); ok {
		return Numeric(ap)
	}
	return Address{url: EncodeURL(text)}
}

func parseIPPort(text string) (netip.AddrPort, bool) {
	parts := strings.Split(text, ":")
	if len(parts) != 2 {
		return netip.AddrPort{}, false
	}
	port, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || port == 0 || port > math.MaxUint16 {
		return netip.AddrPort{}, false
	}
	ip, err := netip.ParseAddr(parts[0])
	if err != nil || !ip.Is4() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, uint16(port)), true
}

// Render is the inverse of Parse as far as the device allows: numeric wins
// over URL, and an address with neither renders as "".
func Render(a Address) string {
	if a.IsNumeric() {
		ip := a.addrPort.Addr()
		return ip.String() + ":" + strconv.FormatUint(uint64(a.addrPort.Port()), 10)
	}
	if len(a.url) > 0 {
		s, err := DecodeURL(a.url)
		if err != nil {
			return ""
		}
		return s
	}
	return ""
}

// EncodeURL encodes text as UTF-16BE without BOM.
func EncodeURL(text string) []byte {
	b, err := utf16be.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil
	}
	return b
}

// DecodeURL decodes UTF-16BE wire bytes back to text. An odd length or an
// unpaired surrogate is ErrMalformedURL; the decoder would otherwise replace
// them with U+FFFD.
func DecodeURL(wire []byte) (string, error) {
	if len(wire)%2 != 0 {
		return "", ErrMalformedURL
	}
	b, err := utf16be.NewDecoder().Bytes(wire)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if !utf8.Valid(b) || bytes.ContainsRune(b, utf8.RuneError) {
		return "", ErrMalformedURL
	}
	return string(b), nil
}
