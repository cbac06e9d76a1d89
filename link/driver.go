package link

// MaxPayload is the largest payload a Driver must carry.
const MaxPayload = 250

type ReceiveFunc func(src Address, payload []byte)
type SendFunc func(dst Address, payload []byte, delivered bool)

// Driver is a point-to-point link with transparent encryption.
// Send is fire-and-forget; link layer delivery outcome is reported
// to SendFunc. Handlers may run on driver goroutines and must not block.
type Driver interface {
	Address() Address
	Send(dst Address, payload []byte) error
	SetReceiveHandler(ReceiveFunc)
	SetSendHandler(SendFunc)
	Close() error
}
