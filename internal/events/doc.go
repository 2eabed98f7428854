// Package events defines the engine event protocol (channel names plus typed
// payloads), the non-blocking Bus that delivers events to subscribers on a
// single dispatch goroutine, and the JSON wire codec used by remote sources.
// Subscribers hold a Subscription handle whose Dispose guarantees no callback
// fires after it returns, even for events already in flight.
package events
