package link

import (
	"encoding/hex"
	"strings"

	"github.com/juju/errors"
)

const AddressLen = 6

// Address is 6 byte link identifier of a node (MAC).
type Address [AddressLen]byte

var Broadcast = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseAddress accepts "a4:e5:7c:a5:f9:57", "a4-e5-7c-a5-f9-57" or "a4e57ca5f957".
func ParseAddress(s string) (Address, error) {
	var a Address
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != AddressLen*2 {
		return a, errors.NotValidf("link address=%q", s)
	}
	if _, err := hex.Decode(a[:], []byte(clean)); err != nil {
		return a, errors.NotValidf("link address=%q", s)
	}
	return a, nil
}

func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic("code error " + err.Error())
	}
	return a
}

func (a Address) String() string {
	const digits = "0123456789abcdef"
	b := make([]byte, 0, AddressLen*3-1)
	for i, x := range a {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, digits[x>>4], digits[x&0xf])
	}
	return string(b)
}

func (a Address) IsZero() bool { return a == Address{} }
