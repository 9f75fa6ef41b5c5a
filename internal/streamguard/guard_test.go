package streamguard

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestGuard_FirstTokenFires(t *testing.T) {
	g, ctx := New(context.Background(), 30*time.Millisecond, time.Second)
	defer g.Stop()

	pr, pw := io.Pipe()
	defer pw.Close()
	body := g.Wrap(pr)
	g.Arm()

	_, err := body.Read(make([]byte, 16))
	var te *TimeoutError
	if !errors.As(err, &te) || te.Phase != PhaseFirstToken {
		t.Fatalf("Expected first token timeout, got %v", err)
	}
	if ctx.Err() == nil {
		t.Error("Expected guard context to be cancelled")
	}
	if g.Received() {
		t.Error("Expected nothing received")
	}
}

func TestGuard_StallRearmedByProgress(t *testing.T) {
	g, _ := New(context.Background(), time.Second, 60*time.Millisecond)
	defer g.Stop()

	pr, pw := io.Pipe()
	body := g.Wrap(pr)
	g.Arm()

	go func() {
		// Each gap is shorter than the stall deadline, the total is longer.
		for i := 0; i < 5; i++ {
			time.Sleep(20 * time.Millisecond)
			if _, err := pw.Write([]byte("x")); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 1)
	for i := 0; i < 5; i++ {
		if _, err := body.Read(buf); err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
	}

	_, err := body.Read(buf)
	var te *TimeoutError
	if !errors.As(err, &te) || te.Phase != PhaseStall {
		t.Fatalf("Expected stall timeout, got %v", err)
	}
	if te.After != 60*time.Millisecond {
		t.Errorf("Expected 60ms, got %s", te.After)
	}
}

func TestGuard_DisabledPhases(t *testing.T) {
	g, ctx := New(context.Background(), 0, 0)
	g.Arm()
	time.Sleep(20 * time.Millisecond)
	if g.Err() != nil || ctx.Err() != nil {
		t.Errorf("Expected unbounded guard to stay quiet, got %v", g.Err())
	}
	g.Stop()
	if ctx.Err() == nil {
		t.Error("Expected Stop to release the context")
	}
}

func TestGuard_DisarmPreventsFiring(t *testing.T) {
	g, _ := New(context.Background(), 20*time.Millisecond, 0)
	defer g.Stop()
	g.Arm()
	g.Disarm()
	time.Sleep(50 * time.Millisecond)
	if g.Err() != nil {
		t.Errorf("Expected no timeout after Disarm, got %v", g.Err())
	}
}
