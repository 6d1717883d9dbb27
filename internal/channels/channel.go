package channels

import "context"

// Connector is a message channel: it feeds inbound messages to the gateway
// and delivers task outcomes back to the user.
type Connector interface {
	Name() string
	Start(ctx context.Context) error
	Deliver(ctx context.Context, userID, taskID, text string)
}
