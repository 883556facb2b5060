// Package feed provides the real-time price source. The engine only depends
// on the PriceSource interface; the Binance WebSocket client is the default
// implementation. Reconnect and backoff are the source's responsibility.
package feed

// PriceSource is an asynchronous stream of ticks pushed into the price bus.
type PriceSource interface {
	// Start connects and begins publishing ticks. Non-blocking; reconnection
	// runs in the background.
	Start() error
	// Stop closes the stream and stops reconnection attempts.
	Stop() error
	// IsConnected reports current connection status.
	IsConnected() bool
}
