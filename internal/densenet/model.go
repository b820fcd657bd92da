// Package densenet is the fold classifier, a small densely connected 3D CNN
// built, trained and checkpointed with gomlx. Input is (N, C, D, H, W),
// output is (N, Classes) logits.
//
//	stem:        Conv3D(k3, s2) -> ReLU -> AvgPool
//	dense block: x_{i+1} = concat(x_i, ReLU(Conv3D_i(x_i)))
//	transition:  AvgPool
//	head:        global average pool -> dropout -> Dense
//
// Convolutions and pooling gather their windows from a channels-last row
// matrix and contract them with layers.Dense. The pure Go backend lacks the
// Pad and Reverse ops that the gradients of graph.ConvGeneral and
// graph.MeanPool emit, while graph.Gather differentiates through ScatterSum.
package densenet

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ModelGraph builds the network from the hyperparameters in ctx. It follows
// train.ModelFn and returns the logits as its only prediction.
func ModelGraph(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		panic(err)
	}
	ctx = ctx.In("model")
	x := inputs[0]
	if x.Rank() != 5 || x.Shape().Dimensions[1] != cfg.InChannels {
		panic(fmt.Errorf("expected input (N, %d, D, H, W), got %s", cfg.InChannels, x.Shape()))
	}

	dims := x.Shape().Dimensions
	v := grid{n: dims[0], d: dims[2], h: dims[3], w: dims[4]}
	v.rows = graph.Reshape(graph.TransposeAllAxes(x, 0, 2, 3, 4, 1), v.voxels(), cfg.InChannels)

	v = conv3d(ctx.In("stem"), v, cfg.StemChannels, 3, 2, 1)
	v.rows = activations.Relu(v.rows)
	v = avgPool(v)

	for i := 0; i < cfg.BlockLayers; i++ {
		y := conv3d(ctx.In(fmt.Sprintf("block_%d", i)), v, cfg.Growth, 3, 1, 1)
		v.rows = graph.Concatenate([]*graph.Node{v.rows, activations.Relu(y.rows)}, 1)
	}
	v = avgPool(v)

	features := graph.ReduceMean(graph.Reshape(v.rows, v.n, v.d*v.h*v.w, v.channels()), 1)
	features = layers.DropoutStatic(ctx, features, cfg.Dropout)
	logits := layers.Dense(ctx.In("classifier"), features, true, cfg.Classes)
	return []*graph.Node{logits}
}

// grid is a feature volume stored as [n*d*h*w, channels] rows in
// (sample, z, y, x) order.
type grid struct {
	rows       *graph.Node
	n, d, h, w int
}

func (v grid) voxels() int   { return v.n * v.d * v.h * v.w }
func (v grid) channels() int { return v.rows.Shape().Dimensions[1] }

// window is a cubic sliding window, clipped to the volume on short axes.
type window struct {
	size, stride, pad [3]int
}

func newWindow(v grid, size, stride, pad int) window {
	var win window
	for a, dim := range [3]int{v.d, v.h, v.w} {
		win.size[a], win.stride[a], win.pad[a] = size, stride, pad
		if dim+2*pad < size {
			win.size[a], win.stride[a], win.pad[a] = 1, 1, 0
		}
	}
	return win
}

func (win window) out(a, dim int) int {
	return (dim+2*win.pad[a]-win.size[a])/win.stride[a] + 1
}

func (win window) volume() int {
	return win.size[0] * win.size[1] * win.size[2]
}

// patchIndices lists for every output voxel the input rows under its
// window. Taps that fall into the zero padding point at row v.voxels().
func patchIndices(v grid, win window) (idx []int32, out grid) {
	out = grid{n: v.n, d: win.out(0, v.d), h: win.out(1, v.h), w: win.out(2, v.w)}
	idx = make([]int32, 0, out.voxels()*win.volume())
	zero := int32(v.voxels())
	plane := v.h * v.w
	for b := 0; b < v.n; b++ {
		for z := 0; z < out.d; z++ {
			for y := 0; y < out.h; y++ {
				for x := 0; x < out.w; x++ {
					for dz := 0; dz < win.size[0]; dz++ {
						iz := z*win.stride[0] - win.pad[0] + dz
						for dy := 0; dy < win.size[1]; dy++ {
							iy := y*win.stride[1] - win.pad[1] + dy
							for dx := 0; dx < win.size[2]; dx++ {
								ix := x*win.stride[2] - win.pad[2] + dx
								if iz < 0 || iz >= v.d || iy < 0 || iy >= v.h || ix < 0 || ix >= v.w {
									idx = append(idx, zero)
									continue
								}
								idx = append(idx, int32(b*v.d*plane+iz*plane+iy*v.w+ix))
							}
						}
					}
				}
			}
		}
	}
	return idx, out
}

// gatherPatches returns [outputs, window volume, channels].
func gatherPatches(v grid, win window) (*graph.Node, grid) {
	g := v.rows.Graph()
	idx, out := patchIndices(v, win)
	rows := v.rows
	if win.pad != [3]int{} {
		zeros := graph.Zeros(g, shapes.Make(rows.DType(), 1, v.channels()))
		rows = graph.Concatenate([]*graph.Node{rows, zeros}, 0)
	}
	indices := graph.Const(g, tensors.FromFlatDataAndDimensions(idx, out.voxels(), win.volume(), 1))
	return graph.Gather(rows, indices), out
}

func conv3d(ctx *context.Context, v grid, channels, size, stride, pad int) grid {
	patches, out := gatherPatches(v, newWindow(v, size, stride, pad))
	dims := patches.Shape().Dimensions
	out.rows = layers.Dense(ctx, graph.Reshape(patches, dims[0], dims[1]*dims[2]), true, channels)
	return out
}

// avgPool halves every axis longer than one voxel.
func avgPool(v grid) grid {
	patches, out := gatherPatches(v, newWindow(v, 2, 2, 0))
	out.rows = graph.ReduceMean(patches, 1)
	return out
}
