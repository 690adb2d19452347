package core

// MessageHandler consumes one inbound signaling envelope. Handlers are
// invoked sequentially in transport arrival order.
type MessageHandler func(env Envelope)

// SignalTransport abstracts the server-relayed signaling channel.
// Owned by the adapter; the adapter must Close() it.
type SignalTransport interface {
	// AddMessageListener registers the handler for an envelope type tag.
	// At most one handler per tag; a second registration replaces the first.
	AddMessageListener(msgType string, h MessageHandler)
	RemoveMessageListener(msgType string)
	Send(env Envelope) error
}
