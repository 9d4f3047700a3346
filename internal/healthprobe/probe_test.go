package healthprobe

import (
	"context"
	"os"
	"testing"
)

func TestAlive_CurrentProcess(t *testing.T) {
	alive, err := Alive(os.Getpid())
	if err != nil {
		t.Fatalf("Alive: %v", err)
	}
	if !alive {
		t.Error("expected current process to be reported alive")
	}
}

func TestAlive_NonexistentPid(t *testing.T) {
	alive, err := Alive(1 << 30)
	if err != nil {
		t.Fatalf("Alive: %v", err)
	}
	if alive {
		t.Error("expected implausible pid to be reported dead")
	}
}

func TestProbe_CurrentProcess(t *testing.T) {
	s, err := Probe(context.Background(), os.Getpid())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !s.Alive {
		t.Error("expected current process sample to report alive")
	}
}

func TestProbe_DeadProcess(t *testing.T) {
	s, err := Probe(context.Background(), 1<<30)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.Alive {
		t.Error("expected dead pid sample to report not alive")
	}
}
