// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"math"

	"github.com/distopt/distadam/buffer"
	"github.com/distopt/distadam/comm"
)

// UnscaleGrads folds a gradient scaler's inverse scale into the next
// update: every gradient element is multiplied by invScale inside the
// update kernel rather than in place. It composes with ClipGradNorm.
func (o *Optimizer) UnscaleGrads(invScale float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gradScale *= invScale
}

// GradNorm returns the global L2 norm of the gradients as the update
// kernel will see them: computed over the fully reduced shards,
// reduced across the sharding group, and scaled by any pending
// unscale factor. The norm is cached until the gradients change.
func (o *Optimizer) GradNorm() (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.gradSyncLocked(); err != nil {
		return 0, err
	}
	return o.gradNormLocked()
}

// gradNormLocked computes the norm of the already-synchronized
// gradient shards. The optimizer lock must be held.
func (o *Optimizer) gradNormLocked() (float64, error) {
	if o.hasNorm {
		return o.gradNorm * o.gradScale, nil
	}
	var sumsq float64
	for id := range o.buckets {
		gb := o.gradBucket(id)
		if gb.GradsShard == nil {
			continue
		}
		for i, n := 0, gb.GradsShard.Len(); i < n; i++ {
			v := float64(gb.GradsShard.Float32(i))
			sumsq += v * v
		}
	}
	// Shards partition the buckets, so summing across the sharding
	// group counts every element exactly once. Redundant ranks hold
	// identical shards and must not contribute again.
	total := buffer.New(buffer.Float32, 1)
	total.SetFloat32(0, float32(sumsq))
	if err := o.distGroup.AllReduce(total, comm.Sum); err != nil {
		return 0, err
	}
	o.gradNorm = math.Sqrt(float64(total.Float32(0)))
	o.hasNorm = true
	return o.gradNorm * o.gradScale, nil
}

// ClipGradNorm clips the global gradient norm to maxNorm by folding
// the clip coefficient into the update kernel's gradient scale, and
// returns the pre-clip norm. Like GradNorm it completes gradient
// synchronization first.
func (o *Optimizer) ClipGradNorm(maxNorm float64) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.gradSyncLocked(); err != nil {
		return 0, err
	}
	norm, err := o.gradNormLocked()
	if err != nil {
		return 0, err
	}
	if coef := maxNorm / (norm + 1e-6); coef < 1 {
		o.gradScale *= coef
	}
	return norm, nil
}
