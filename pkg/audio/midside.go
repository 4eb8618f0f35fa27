// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package audio

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ParamMidSide is the context hyperparameter that enables training on the mid/side representation of the stereo
// signal, instead of left/right.
const ParamMidSide = "mid_side"

func splitStereo(name string, x *Node) (first, second *Node) {
	if x.Rank() != 3 || x.Shape().Dimensions[1] != 2 {
		exceptions.Panicf("%s: expected a stereo signal shaped [batch_size, 2, length], got %s", name, x.Shape())
	}
	parts := Split(x, 1, 2)
	return parts[0], parts[1]
}

// MidSideEncode converts a stereo signal left/right, shaped `[batch_size, 2, length]`, to mid=(L+R)/2 and side=(L-R)/2.
func MidSideEncode(x *Node) *Node {
	left, right := splitStereo("MidSideEncode", x)
	mid := MulScalar(Add(left, right), 0.5)
	side := MulScalar(Sub(left, right), 0.5)
	return Concatenate([]*Node{mid, side}, 1)
}

// MidSideDecode is the inverse of MidSideEncode: left=mid+side and right=mid-side.
func MidSideDecode(x *Node) *Node {
	mid, side := splitStereo("MidSideDecode", x)
	return Concatenate([]*Node{Add(mid, side), Sub(mid, side)}, 1)
}
