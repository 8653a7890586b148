// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"math"

	"github.com/distopt/distadam/buffer"
)

// Reference is a scalar Applier implementing plain Adam and AdamW.
// It computes in float64 and narrows at buffer boundaries.
type Reference struct{}

// Apply implements Applier.
func (Reference) Apply(tuples []Tuple, hp Hyperparams, step int, gradScale float64, adamW bool) error {
	bias1, bias2 := 1.0, 1.0
	if hp.BiasCorrection {
		bias1 = 1 - math.Pow(hp.Beta1, float64(step))
		bias2 = 1 - math.Pow(hp.Beta2, float64(step))
	}
	for ti, tup := range tuples {
		n := tup.Grad.Len()
		if tup.ExpAvg.Len() != n || tup.ExpAvgSq.Len() != n || tup.Param.Len() != n || tup.ParamOut.Len() != n {
			return fmt.Errorf("kernel: tuple %d has misaligned slices", ti)
		}
		rem := tup.ParamRemainder
		if rem != nil && rem.Len() != n {
			return fmt.Errorf("kernel: tuple %d has misaligned remainder slice", ti)
		}
		for i := 0; i < n; i++ {
			var p float64
			if rem != nil {
				p = float64(buffer.Reconstruct(tup.Param.Bits16(i), rem.Int16(i)))
			} else {
				p = float64(tup.Param.Float32(i))
			}
			g := float64(tup.Grad.Float32(i)) * gradScale
			if !adamW {
				g += hp.WeightDecay * p
			}
			m := hp.Beta1*float64(tup.ExpAvg.Float32(i)) + (1-hp.Beta1)*g
			v := hp.Beta2*float64(tup.ExpAvgSq.Float32(i)) + (1-hp.Beta2)*g*g
			update := (m / bias1) / (math.Sqrt(v/bias2) + hp.Eps)
			if adamW {
				update += hp.WeightDecay * p
			}
			p -= hp.LR * update
			tup.ExpAvg.SetFloat32(i, float32(m))
			tup.ExpAvgSq.SetFloat32(i, float32(v))
			if rem != nil {
				bf, r := buffer.SplitRemainder(float32(p))
				tup.Param.SetBits16(i, bf)
				rem.SetInt16(i, r)
			} else {
				tup.Param.SetFloat32(i, float32(p))
			}
			tup.ParamOut.SetFloat32(i, float32(p))
		}
	}
	return nil
}
