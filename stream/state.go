// Package stream runs the replication stream: a reconnect supervisor
// drives the session, the decoder turns packets into events, the tracker
// follows the position and the dispatcher hands events to subscribers.
package stream

import "errors"

// State is the reconnect supervisor's state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ErrRetriesExhausted is returned by Run once every connection attempt in
// the retry budget has failed.
var ErrRetriesExhausted = errors.New("retry budget exhausted")
