// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kernel defines the numeric update interface invoked by the
// distadam engine's local step executor. The engine assembles aligned
// buffer tuples for each hyperparameter group and hands the whole
// batch to an Applier in one call, amortizing per-invocation overhead
// the way fused device kernels amortize launch overhead. The Adam
// math itself is a collaborator behind this interface; Reference is a
// plain scalar implementation used by tests and the simulator.
package kernel

import "github.com/distopt/distadam/buffer"

// A Tuple is one aligned set of shard slices for a single parameter
// fragment. All buffers have equal element counts. ParamRemainder is
// non-nil only in the packed-remainder variant, in which case Param
// is a bfloat16 slice of the model parameter and the full-precision
// value is reconstructed from the pair.
type Tuple struct {
	// Param is the current parameter value: the optimizer's stored
	// shard in the store-params configuration, or a slice of the
	// model parameter otherwise. It is updated in place in the
	// optimizer's dtype.
	Param *buffer.Buffer
	// ParamRemainder holds the packed 16-bit remainders in the
	// low-precision variant.
	ParamRemainder *buffer.Buffer
	// ExpAvg and ExpAvgSq are the first and second moment estimate
	// slices; they are updated in place.
	ExpAvg   *buffer.Buffer
	ExpAvgSq *buffer.Buffer
	// Grad is the fully reduced gradient slice.
	Grad *buffer.Buffer
	// ParamOut receives the updated parameter value in the parameter
	// synchronization dtype.
	ParamOut *buffer.Buffer
}

// Hyperparams are the per-group Adam/AdamW hyperparameters.
type Hyperparams struct {
	LR             float64
	Beta1, Beta2   float64
	Eps            float64
	WeightDecay    float64
	BiasCorrection bool
}

// An Applier applies one optimizer step to a batch of tuples sharing
// one set of hyperparameters. gradScale is multiplied into every
// gradient element before use; step is the 1-based step counter used
// for bias correction; adamW selects decoupled weight decay.
type Applier interface {
	Apply(tuples []Tuple, hp Hyperparams, step int, gradScale float64, adamW bool) error
}
