package kestrel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerPullWakesPoller(t *testing.T) {
	trig, err := newTrigger()
	require.NoError(t, err)
	defer trig.Close()

	p := &poller{}
	require.NoError(t, p.Init())
	defer p.Close()

	woke := make(chan struct{}, 1)
	require.NoError(t, p.RegisterFD(trig.FD(), EventRead, func(events IOEvents) {
		trig.onReadable(events)
		select {
		case woke <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, trig.Pull())

	_, err = p.PollIO(1000)
	require.NoError(t, err)

	select {
	case <-woke:
	default:
		t.Fatal("poller did not observe the trigger as readable")
	}
}

func TestTriggerPullIsIdempotentWhilePending(t *testing.T) {
	trig, err := newTrigger()
	require.NoError(t, err)
	defer trig.Close()

	// Multiple Pulls before a drain collapse onto a single pending flag;
	// none of them should block or error.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, trig.Pull())
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent Pull calls should never block")
	}

	trig.onReadable(EventRead)
	// A Pull after draining should succeed and schedule another wakeup.
	assert.NoError(t, trig.Pull())
}
