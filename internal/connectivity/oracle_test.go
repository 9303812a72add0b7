package connectivity

import (
	"context"
	"io"
	"log"
	"testing"
	"time"
)

func newTestOracle() *Oracle {
	return New(StaticProber(true), time.Minute, log.New(io.Discard, "", 0))
}

func TestOnline_RequiresReachableAndNotForced(t *testing.T) {
	o := newTestOracle()

	if o.Online() {
		t.Error("cold oracle must report offline until probed")
	}

	o.SetReachable(true)
	if !o.Online() {
		t.Error("reachable and not forced must be online")
	}

	o.SetForceOffline(true)
	if o.Online() {
		t.Error("force-offline must override reachability")
	}

	o.SetForceOffline(false)
	if !o.Online() {
		t.Error("lifting force-offline must restore the online state")
	}

	o.SetReachable(false)
	if o.Online() {
		t.Error("unreachable network must be offline")
	}
}

func TestSubscribe_NotifiesOnEffectiveTransitionsOnly(t *testing.T) {
	o := newTestOracle()
	ch := o.Subscribe()

	o.SetReachable(true)
	select {
	case v := <-ch:
		if !v {
			t.Error("expected online notification")
		}
	case <-time.After(time.Second):
		t.Fatal("missing transition notification")
	}

	// Forcing offline while already reachable flips the effective state.
	o.SetForceOffline(true)
	select {
	case v := <-ch:
		if v {
			t.Error("expected offline notification")
		}
	case <-time.After(time.Second):
		t.Fatal("missing transition notification")
	}

	// Reachability changes while forced offline do not change the
	// effective state and must stay silent.
	o.SetReachable(false)
	o.SetReachable(true)
	select {
	case v := <-ch:
		t.Errorf("unexpected notification %v for a non-transition", v)
	default:
	}
}

func TestStart_ProbesImmediately(t *testing.T) {
	o := New(StaticProber(true), time.Hour, log.New(io.Discard, "", 0))
	ch := o.Subscribe()

	o.Start(context.Background())
	defer o.Stop()

	select {
	case v := <-ch:
		if !v {
			t.Error("expected the initial probe to report online")
		}
	case <-time.After(time.Second):
		t.Fatal("initial probe did not run")
	}
	if !o.Online() {
		t.Error("oracle must be online after the initial probe")
	}
}
