package augment

import (
	"math/rand"
	"testing"

	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

func ramp(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func equal(a, b *tensor.Tensor) bool {
	if !tensor.SameShape(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

func TestApplyKeepsShapeAndInput(t *testing.T) {
	x := ramp(1, 4, 3, 5, 5)
	orig := x.Clone()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 20; i++ {
		y := Apply(x, rng)
		if !tensor.SameShape(y.Shape, x.Shape) {
			t.Fatalf("shape = %v, expected %v", y.Shape, x.Shape)
		}
	}
	if !equal(x, orig) {
		t.Error("Apply modified its input")
	}
}

func TestApplyDeterministicWithSeed(t *testing.T) {
	x := ramp(4, 3, 6, 6)
	a := rand.New(rand.NewSource(42))
	b := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		if !equal(Apply(x, a), Apply(x, b)) {
			t.Fatalf("draw %d differs under the same seed", i)
		}
	}
}

func TestRotateQuarter(t *testing.T) {
	x, _ := tensor.FromData([]float32{1, 2, 3, 4}, 1, 2, 2)
	y := Transform{Quarter: 1}.Apply(x)
	expected := []float32{2, 4, 1, 3}
	for i := range expected {
		if y.Data[i] != expected[i] {
			t.Fatalf("rot90 = %v, expected %v", y.Data, expected)
		}
	}
}

func TestTransformsAreInvolutions(t *testing.T) {
	x := ramp(2, 3, 4, 4)
	tests := []struct {
		name  string
		steps []Transform
	}{
		{"width flip twice", []Transform{{FlipWidth: true}, {FlipWidth: true}}},
		{"depth flip twice", []Transform{{FlipDepth: true}, {FlipDepth: true}}},
		{"rot90 then rot270", []Transform{{Quarter: 1}, {Quarter: 3}}},
		{"rot180 twice", []Transform{{Quarter: 2}, {Quarter: 2}}},
		{"rot90 four times", []Transform{{Quarter: 1}, {Quarter: 1}, {Quarter: 1}, {Quarter: 1}}},
	}
	for _, test := range tests {
		y := x
		for _, s := range test.steps {
			y = s.Apply(y)
		}
		if !equal(x, y) {
			t.Errorf("%s: result differs from input", test.name)
		}
	}
}

func TestDrawFrequencies(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const n = 4000
	var fw, fd, rot int
	for i := 0; i < n; i++ {
		tr := Draw(rng, 8, 8)
		if tr.FlipWidth {
			fw++
		}
		if tr.FlipDepth {
			fd++
		}
		if tr.Quarter != 0 {
			rot++
			if tr.Quarter < 1 || tr.Quarter > 3 {
				t.Fatalf("Quarter = %d", tr.Quarter)
			}
		}
	}
	for name, c := range map[string]int{"width": fw, "depth": fd, "rotate": rot} {
		if f := float64(c) / n; f < 0.45 || f > 0.55 {
			t.Errorf("%s frequency = %.3f, expected about 0.5", name, f)
		}
	}
}

func TestDrawNonSquareOnlyHalfTurn(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		if q := Draw(rng, 4, 6).Quarter; q != 0 && q != 2 {
			t.Fatalf("Quarter = %d for non-square plane", q)
		}
	}
}
