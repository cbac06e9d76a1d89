package helpers

import (
	"encoding/hex"
	"strings"

	"github.com/juju/errors"
)

func MustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeKey accepts exactly n bytes as hex, or as raw text when `s` is n characters long.
// Raw text form matches keys written as string literals in device firmware.
func DecodeKey(s string, n int) ([]byte, error) {
	if len(s) == n {
		return []byte(s), nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil, errors.NotValidf("key (expected %d bytes as hex or text)", n)
	}
	if len(b) != n {
		return nil, errors.NotValidf("key length=%d (expected %d)", len(b), n)
	}
	return b, nil
}
