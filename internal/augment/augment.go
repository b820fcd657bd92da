// Package augment implements the random flips and rotations used for
// train-time augmentation and test-time augmentation voting.
package augment

import (
	"math/rand"

	"github.com/Brownie44l1/mgmt-api/internal/tensor"
)

// Probability of applying each transform.
const Probability = 0.5

// Transform records the random draws of one Apply call.
type Transform struct {
	FlipWidth bool
	FlipDepth bool
	Quarter   int // counter-clockwise quarter turns in the (H, W) plane, 0..3
}

// Draw samples a Transform from rng. The draw order is fixed: width flip,
// depth flip, rotation, rotation angle.
func Draw(rng *rand.Rand, height, width int) Transform {
	var tr Transform
	tr.FlipWidth = rng.Float64() < Probability
	tr.FlipDepth = rng.Float64() < Probability
	if rng.Float64() < Probability {
		tr.Quarter = 1 + rng.Intn(3)
		if height != width {
			tr.Quarter = 2
		}
	}
	return tr
}

// Apply returns a randomly transformed copy of x. x must have rank >= 3 with
// trailing dimensions (D, H, W); it is not modified.
func Apply(x *tensor.Tensor, rng *rand.Rand) *tensor.Tensor {
	r := len(x.Shape)
	tr := Draw(rng, x.Shape[r-2], x.Shape[r-1])
	return tr.Apply(x)
}

// Apply performs the recorded transform on a copy of x.
func (tr Transform) Apply(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	r := len(x.Shape)
	d, h, w := x.Shape[r-3], x.Shape[r-2], x.Shape[r-1]
	blocks := tensor.Size(x.Shape[:r-3])
	vol := d * h * w

	for b := 0; b < blocks; b++ {
		v := out.Data[b*vol : (b+1)*vol]
		if tr.FlipWidth {
			flipWidth(v, d, h, w)
		}
		if tr.FlipDepth {
			flipDepth(v, d, h*w)
		}
		if tr.Quarter != 0 {
			rotate(v, d, h, w, tr.Quarter)
		}
	}
	return out
}

func flipWidth(v []float32, d, h, w int) {
	for row := 0; row < d*h; row++ {
		line := v[row*w : (row+1)*w]
		for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
			line[i], line[j] = line[j], line[i]
		}
	}
}

func flipDepth(v []float32, d, plane int) {
	for i, j := 0, d-1; i < j; i, j = i+1, j-1 {
		a := v[i*plane : (i+1)*plane]
		b := v[j*plane : (j+1)*plane]
		for k := range a {
			a[k], b[k] = b[k], a[k]
		}
	}
}

func rotate(v []float32, d, h, w, quarter int) {
	plane := h * w
	buf := make([]float32, plane)
	for z := 0; z < d; z++ {
		p := v[z*plane : (z+1)*plane]
		copy(buf, p)
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				var src int
				switch quarter {
				case 1:
					src = j*w + (w - 1 - i)
				case 2:
					src = (h-1-i)*w + (w - 1 - j)
				case 3:
					src = (h-1-j)*w + i
				}
				p[i*w+j] = buf[src]
			}
		}
	}
}
