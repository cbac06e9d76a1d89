package uplink

import (
	"context"

	"github.com/juju/errors"
)

var ErrNotConnected = errors.New("uplink not connected")

// Client is publish-only connection to telemetry broker.
// Credential is the only authentication.
type Client interface {
	Connect(ctx context.Context, credential string) error
	Disconnect()
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Mask keeps first 4 characters of credential for logs.
func Mask(credential string) string {
	const keep = 4
	if len(credential) <= keep {
		return "****"
	}
	return credential[:keep] + "****"
}
