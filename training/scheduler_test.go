package training

import (
	"math"
	"testing"
)

func TestPlateauMaxModeReducesAfterPatience(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 3, 1e-4, "max")

	lr := s.Step(0.80, 1e-3) // initializes best
	if lr != 1e-3 {
		t.Fatalf("first step changed LR to %v", lr)
	}

	// Three consecutive non-improving epochs trigger one halving.
	lr = s.Step(0.79, lr)
	lr = s.Step(0.80, lr)
	if lr != 1e-3 {
		t.Fatalf("LR reduced before patience reached: %v", lr)
	}
	lr = s.Step(0.78, lr)
	if math.Abs(lr-5e-4) > 1e-12 {
		t.Fatalf("LR after plateau %v, want 5e-4", lr)
	}
}

func TestPlateauImprovementResetsCounter(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 2, 1e-4, "max")

	lr := s.Step(0.50, 1e-3)
	lr = s.Step(0.49, lr)
	lr = s.Step(0.60, lr) // improvement resets the bad-epoch count
	lr = s.Step(0.59, lr)
	if lr != 1e-3 {
		t.Fatalf("LR reduced despite counter reset: %v", lr)
	}
	lr = s.Step(0.58, lr)
	if math.Abs(lr-5e-4) > 1e-12 {
		t.Fatalf("LR after renewed plateau %v, want 5e-4", lr)
	}
}

func TestCosineAnnealingEndpoints(t *testing.T) {
	s := NewCosineAnnealingLRScheduler(10, 0)
	if got := s.GetLR(0, 0, 1e-2); math.Abs(got-1e-2) > 1e-12 {
		t.Fatalf("epoch 0 LR %v, want 1e-2", got)
	}
	if got := s.GetLR(10, 0, 1e-2); got != 0 {
		t.Fatalf("epoch TMax LR %v, want 0", got)
	}
}

func TestStepLRDecay(t *testing.T) {
	s := NewStepLRScheduler(10, 0.1)
	if got := s.GetLR(9, 0, 1.0); got != 1.0 {
		t.Fatalf("LR before first step %v, want 1.0", got)
	}
	if got := s.GetLR(10, 0, 1.0); math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("LR after first step %v, want 0.1", got)
	}
}

func TestExponentialLRDecay(t *testing.T) {
	s := NewExponentialLRScheduler(0.9)
	if got := s.GetLR(0, 0, 1.0); got != 1.0 {
		t.Fatalf("epoch 0 LR %v, want 1.0", got)
	}
	if got := s.GetLR(2, 0, 1.0); math.Abs(got-0.81) > 1e-12 {
		t.Fatalf("epoch 2 LR %v, want 0.81", got)
	}
}

func TestNoOpSchedulerHoldsRate(t *testing.T) {
	s := &NoOpScheduler{}
	for epoch := 0; epoch < 5; epoch++ {
		if got := s.GetLR(epoch, 0, 1e-3); got != 1e-3 {
			t.Fatalf("epoch %d LR %v, want 1e-3", epoch, got)
		}
	}
}

func TestEpochSchedulerAdvancesWrappedSchedule(t *testing.T) {
	s := NewEpochScheduler(NewStepLRScheduler(2, 0.1), 1.0)
	if s.GetName() != "StepLR" {
		t.Fatalf("unexpected name %q", s.GetName())
	}

	// The metric is ignored; only the epoch count drives the rate.
	if got := s.Step(0.1, 1.0); got != 1.0 {
		t.Fatalf("epoch 1 LR %v, want 1.0", got)
	}
	if got := s.Step(0.9, 1.0); math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("epoch 2 LR %v, want 0.1", got)
	}
	if got := s.Step(0.5, 1.0); math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("epoch 3 LR %v, want 0.1", got)
	}
}

func TestGradScalerBackoffOnOverflow(t *testing.T) {
	gs := NewGradScaler()
	if gs.GetScale() != 65536.0 {
		t.Fatalf("initial scale %v, want 65536", gs.GetScale())
	}

	if gs.Update(true) {
		t.Fatal("step must be skipped on non-finite gradients")
	}
	if gs.GetScale() != 32768.0 {
		t.Fatalf("scale after backoff %v, want 32768", gs.GetScale())
	}
	if !gs.Update(false) {
		t.Fatal("finite gradients must allow the step")
	}
}

func TestGradScalerGrowthAfterInterval(t *testing.T) {
	gs := NewGradScaler()
	gs.growthInterval = 3

	for i := 0; i < 3; i++ {
		if !gs.Update(false) {
			t.Fatal("finite gradients must allow the step")
		}
	}
	if gs.GetScale() != 131072.0 {
		t.Fatalf("scale after growth %v, want 131072", gs.GetScale())
	}
}
