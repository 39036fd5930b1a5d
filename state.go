package kestrel

import "sync/atomic"

// ChannelState names a position in the Channel state machine of spec
// §4.3:
//
//	ACCEPTED --read--> READING --req-complete--> QUEUED
//	                     |                          |
//	                     v                          v
//	                  ERROR                     SERVICING
//	                     |                          |
//	                     +--> CLOSING <-- response-done, close_when_flushed
//	                              |
//	                              v
//	                           CLOSED
//
// Transitions to CLOSING also occur from idle-timeout maintenance,
// will_close set by a peer reset, or a worker exception with
// unrecoverable state (spec §4.3).
type ChannelState uint32

const (
	ChannelAccepted ChannelState = iota
	ChannelReading
	ChannelQueued
	ChannelServicing
	ChannelError
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelAccepted:
		return "accepted"
	case ChannelReading:
		return "reading"
	case ChannelQueued:
		return "queued"
	case ChannelServicing:
		return "servicing"
	case ChannelError:
		return "error"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// channelFastState is a lock-free state holder: the reactor thread and a
// worker thread both touch a Channel's lifecycle state (a worker moves it
// to SERVICING, the reactor or a worker moves it to CLOSING, HandleClose
// moves it to CLOSED), so plain field assignment would race. No code path
// stores READING or QUEUED.
type channelFastState struct {
	v atomic.Uint32
}

func newChannelFastState() *channelFastState {
	s := &channelFastState{}
	s.v.Store(uint32(ChannelAccepted))
	return s
}

func (s *channelFastState) Load() ChannelState { return ChannelState(s.v.Load()) }
func (s *channelFastState) Store(state ChannelState) { s.v.Store(uint32(state)) }

// IsTerminal reports whether the channel has reached CLOSED.
func (s *channelFastState) IsTerminal() bool { return s.Load() == ChannelClosed }
