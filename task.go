package kestrel

import "sync/atomic"

var taskIDCounter atomic.Int64

// nextTaskID returns a process-wide unique task identifier, used only for
// log correlation (LogEntry.TaskID).
func nextTaskID() int64 { return taskIDCounter.Add(1) }

// Task is one unit of work submitted to a Dispatcher: servicing a single
// parsed request against the channel it arrived on (spec §3: "Task -
// bundles a Channel and a completed Request").
//
// service runs on a worker goroutine. cancel runs instead of service when
// the task is still queued at shutdown time and the caller asked to cancel
// pending work (spec C2: "Shutdown(cancel_pending, timeout)").
type Task interface {
	service()
	cancel()
}

// channelTask is the concrete Task bundling a Channel and the Request it
// finished parsing off that channel's wire.
type channelTask struct {
	id      int64
	channel *Channel
	request Request
}

// newChannelTask builds a Task for a completed Request read off channel.
func newChannelTask(channel *Channel, request Request) *channelTask {
	return &channelTask{id: nextTaskID(), channel: channel, request: request}
}

func (t *channelTask) service() {
	t.channel.serviceTask(t.request, t.id)
}

func (t *channelTask) cancel() {
	t.channel.cancelTask(t.request, t.id)
}
