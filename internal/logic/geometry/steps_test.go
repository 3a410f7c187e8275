package geometry

import (
	"errors"
	"math"
	"testing"

	"github.com/botross/brushcnc/internal/config"
	"github.com/botross/brushcnc/internal/hw/stepper"
)

func TestAxis_Steps(t *testing.T) {
	a := NewAxis(&config.AxisConfig{StepsPerMM: 25})

	cases := []struct {
		name string
		mm   float64
		want int
	}{
		{"zero", 0, 0},
		{"whole", 4, 100},
		{"negative", -4, -100},
		{"rounds_up", 0.03, 1},   // 0.75 steps
		{"rounds_down", 0.01, 0}, // 0.25 steps
		{"negative_rounds", -0.03, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := a.Steps(tc.mm)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Steps(%v) = %d, want %d", tc.mm, got, tc.want)
			}
		})
	}
}

func TestAxis_Frequency(t *testing.T) {
	a := Axis{StepsPerMM: 100}

	got, err := a.Frequency(2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 200 {
		t.Errorf("Frequency(2) = %v, want 200", got)
	}

	for _, f := range []float64{-2, -0.001, math.NaN(), math.Inf(1)} {
		got, err := a.Frequency(f)
		if !errors.Is(err, stepper.ErrInvalidFrequency) {
			t.Errorf("Frequency(%v): expected ErrInvalidFrequency, got %v (%v Hz)", f, err, got)
		}
	}
}

func TestAxis_MMRoundTrip(t *testing.T) {
	a := Axis{StepsPerMM: 25}
	for _, mm := range []float64{0, 1, 12.5, -40} {
		steps, err := a.Steps(mm)
		if err != nil {
			t.Fatal(err)
		}
		if back := a.MM(steps); math.Abs(back-mm) > 1/a.StepsPerMM {
			t.Errorf("MM(Steps(%v)) = %v", mm, back)
		}
	}
}

func TestAxis_Uncalibrated(t *testing.T) {
	var a Axis
	if a.Calibrated() {
		t.Error("zero axis should not be calibrated")
	}
	if _, err := a.Steps(1); !errors.Is(err, ErrNoScale) {
		t.Errorf("Steps: expected ErrNoScale, got %v", err)
	}
	if _, err := a.Frequency(1); !errors.Is(err, ErrNoScale) {
		t.Errorf("Frequency: expected ErrNoScale, got %v", err)
	}
	if a.MM(100) != 0 {
		t.Errorf("MM on uncalibrated axis = %v, want 0", a.MM(100))
	}
}
