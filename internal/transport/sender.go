// Package transport holds the delivery port used by the drain loop and its adapters.
//
// The core treats a Sender as an opaque network call: any returned error resolves the
// entry as failed, a nil error resolves it as sent with the returned meta. Retries, if
// any, belong to the adapter.
package transport

import (
	"context"

	"wadispatch/internal/outbox"
)

type Sender interface {
	Send(ctx context.Context, clientID, to, message string) (outbox.DeliveryMeta, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, clientID, to, message string) (outbox.DeliveryMeta, error)

func (f SenderFunc) Send(ctx context.Context, clientID, to, message string) (outbox.DeliveryMeta, error) {
	return f(ctx, clientID, to, message)
}
