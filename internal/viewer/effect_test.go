package viewer

import (
	"testing"
	"time"
)

func TestEffectDuration(t *testing.T) {
	if got := EffectDuration(EffectPowerOn); got != 1500*time.Millisecond {
		t.Fatalf("power-on duration = %s", got)
	}
	if got := EffectDuration(EffectPowerOff); got != time.Second {
		t.Fatalf("power-off duration = %s", got)
	}
	if got := EffectDuration(EffectNone); got != 0 {
		t.Fatalf("none duration = %s", got)
	}
}

func TestPowerEffect_SameKindIgnoredWhileRunning(t *testing.T) {
	clock := newManualClock()
	changes := 0
	e := newPowerEffect(clock, func() { changes++ })

	if !e.Trigger(EffectPowerOn) {
		t.Fatal("expected first trigger to start")
	}
	clock.Advance(500 * time.Millisecond)
	if e.Trigger(EffectPowerOn) {
		t.Fatal("expected retrigger to be ignored")
	}
	clock.Advance(1000 * time.Millisecond)
	if e.Active() != EffectNone {
		t.Fatalf("expected effect finished on its original schedule, got %q", e.Active())
	}
	if e.Started(EffectPowerOn) != 1 {
		t.Fatalf("expected one start, got %d", e.Started(EffectPowerOn))
	}
	if changes != 2 {
		t.Fatalf("expected start and finish notifications, got %d", changes)
	}
}

func TestPowerEffect_OppositeKindSupersedes(t *testing.T) {
	clock := newManualClock()
	e := newPowerEffect(clock, nil)

	e.Trigger(EffectPowerOn)
	clock.Advance(200 * time.Millisecond)
	if !e.Trigger(EffectPowerOff) {
		t.Fatal("expected power-off to supersede")
	}
	if e.Active() != EffectPowerOff {
		t.Fatalf("expected power-off active, got %q", e.Active())
	}
	clock.Advance(1300 * time.Millisecond)
	if e.Active() != EffectNone {
		t.Fatalf("expected power-off finished, got %q", e.Active())
	}
	if !e.Trigger(EffectPowerOn) {
		t.Fatal("expected a new power-on once idle")
	}
}

func TestTimeline_ReturnsCopy(t *testing.T) {
	tl := Timeline(EffectPowerOff)
	if len(tl) != 2 || tl[1].Name != "fade" || tl[1].Delay != 200*time.Millisecond {
		t.Fatalf("unexpected power-off timeline %+v", tl)
	}
	tl[0].Duration = 0
	if Timeline(EffectPowerOff)[0].Duration != time.Second {
		t.Fatal("timeline must not be mutable by callers")
	}
}
