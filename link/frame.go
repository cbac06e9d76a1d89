package link

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/juju/errors"
)

// Wire layout matches C struct {int32; char[50]; float; float; float}
// on 32-bit little-endian target, including 2 bytes alignment padding.
const (
	FrameSize        = 68
	CredentialSize   = 50
	MaxCredentialLen = CredentialSize - 1

	offSequence    = 0
	offCredential  = 4
	offTemperature = 56
	offHumidity    = 60
	offLight       = 64
)

// Frame is one telemetry record sent by sensor node.
type Frame struct {
	Sequence    int32
	Credential  string
	Temperature float32
	Humidity    float32
	Light       float32
}

func (f *Frame) String() string {
	return fmt.Sprintf("seq=%d t=%.2f h=%.2f l=%.2f", f.Sequence, f.Temperature, f.Humidity, f.Light)
}

func (f *Frame) Validate() error {
	if len(f.Credential) > MaxCredentialLen {
		return errors.NotValidf("credential length=%d max=%d", len(f.Credential), MaxCredentialLen)
	}
	if bytes.IndexByte([]byte(f.Credential), 0) != -1 {
		return errors.NotValidf("credential with NUL")
	}
	return nil
}

func (f *Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, errors.Annotate(err, "frame encode")
	}
	b := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(b[offSequence:], uint32(f.Sequence))
	copy(b[offCredential:offCredential+MaxCredentialLen], f.Credential)
	binary.LittleEndian.PutUint32(b[offTemperature:], math.Float32bits(f.Temperature))
	binary.LittleEndian.PutUint32(b[offHumidity:], math.Float32bits(f.Humidity))
	binary.LittleEndian.PutUint32(b[offLight:], math.Float32bits(f.Light))
	return b, nil
}

func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) != FrameSize {
		return errors.NotValidf("frame length=%d expected=%d", len(b), FrameSize)
	}
	f.Sequence = int32(binary.LittleEndian.Uint32(b[offSequence:]))
	cred := b[offCredential : offCredential+MaxCredentialLen]
	if i := bytes.IndexByte(cred, 0); i != -1 {
		cred = cred[:i]
	}
	f.Credential = string(cred)
	f.Temperature = math.Float32frombits(binary.LittleEndian.Uint32(b[offTemperature:]))
	f.Humidity = math.Float32frombits(binary.LittleEndian.Uint32(b[offHumidity:]))
	f.Light = math.Float32frombits(binary.LittleEndian.Uint32(b[offLight:]))
	return nil
}

func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	err := f.UnmarshalBinary(b)
	return f, err
}

// PeekSequence reads sequence without full decode.
func PeekSequence(b []byte) (int32, bool) {
	if len(b) != FrameSize {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(b[offSequence:])), true
}
