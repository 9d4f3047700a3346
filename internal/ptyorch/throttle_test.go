package ptyorch

import "testing"

func TestThrottle_FailureDoublesUpToMax(t *testing.T) {
	th := NewThrottle()
	for i := 0; i < 20; i++ {
		th.Failure()
	}
	if got := th.Delay(); got != defaultThrottleMax {
		t.Errorf("got delay %v, want %v", got, defaultThrottleMax)
	}
}

func TestThrottle_SuccessHalvesDownToMin(t *testing.T) {
	th := NewThrottle()
	th.Failure()
	th.Failure()
	for i := 0; i < 20; i++ {
		th.Success()
	}
	if got := th.Delay(); got != defaultThrottleMin {
		t.Errorf("got delay %v, want %v", got, defaultThrottleMin)
	}
}

func TestThrottle_Reset(t *testing.T) {
	th := NewThrottle()
	th.Failure()
	th.Failure()
	th.Reset()
	if got := th.Delay(); got != defaultThrottleMin {
		t.Errorf("got delay %v, want %v after reset", got, defaultThrottleMin)
	}
}
