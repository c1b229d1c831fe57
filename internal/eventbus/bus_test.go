package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vawter.tech/stopper"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	r := require.New(t)

	ctx := stopper.WithContext(t.Context())
	defer func() {
		ctx.Stop(time.Second)
		_ = ctx.Wait()
	}()

	bus := New([]string{"m1"})
	sub := bus.Subscribe(ctx, 4)

	bus.Publish(Event{Topic: StatusUpdate, MachineID: "m1"})

	select {
	case ev := <-sub.Out():
		r.Equal(StatusUpdate, ev.Topic)
		r.Equal("m1", ev.MachineID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishIgnoresUnknownMachine(t *testing.T) {
	ctx := stopper.WithContext(t.Context())
	defer func() {
		ctx.Stop(time.Second)
		_ = ctx.Wait()
	}()

	bus := New([]string{"m1"})
	sub := bus.Subscribe(ctx, 4)

	bus.Publish(Event{Topic: StatusUpdate, MachineID: "unknown"})

	select {
	case ev := <-sub.Out():
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLaggingSubscriberCoalescesToNewest(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	ctx := stopper.WithContext(t.Context())
	defer func() {
		ctx.Stop(time.Second)
		_ = ctx.Wait()
	}()

	bus := New([]string{"m1"})
	sub := bus.Subscribe(ctx, 0) // unbuffered: forces the forwarder to stall mid-send

	// Let the forwarder goroutine reach its idle <-s.wake select before
	// anything is published, then give it one in-flight event that blocks
	// on sub.out since nobody is reading it yet.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(Event{Topic: StatusUpdate, MachineID: "m1", Reason: "first"})
	time.Sleep(20 * time.Millisecond)

	bus.Publish(Event{Topic: StatusUpdate, MachineID: "m1", Reason: "second"})
	bus.Publish(Event{Topic: StatusUpdate, MachineID: "m1", Reason: "third"})

	select {
	case ev := <-sub.Out():
		a.Equal("first", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first event")
	}

	select {
	case ev := <-sub.Out():
		a.Equal("third", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coalesced event")
	}

	r.True(sub.LoadAndClearLagged())
	r.False(sub.LoadAndClearLagged())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := stopper.WithContext(t.Context())
	defer func() {
		ctx.Stop(time.Second)
		_ = ctx.Wait()
	}()

	bus := New([]string{"m1"})
	sub := bus.Subscribe(ctx, 4)
	bus.Unsubscribe(sub)

	bus.Publish(Event{Topic: StatusUpdate, MachineID: "m1"})

	select {
	case ev := <-sub.Out():
		t.Fatalf("unexpected event delivered after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
