// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"math"
	"testing"

	"github.com/distopt/distadam/buffer"
)

var testHyperparams = Hyperparams{
	LR:             0.1,
	Beta1:          0.9,
	Beta2:          0.999,
	Eps:            1e-8,
	WeightDecay:    0.01,
	BiasCorrection: true,
}

func makeTuple(n int) Tuple {
	return Tuple{
		Param:    buffer.New(buffer.Float32, n),
		ExpAvg:   buffer.New(buffer.Float32, n),
		ExpAvgSq: buffer.New(buffer.Float32, n),
		Grad:     buffer.New(buffer.Float32, n),
		ParamOut: buffer.New(buffer.Float32, n),
	}
}

func TestReferenceFirstStep(t *testing.T) {
	tup := makeTuple(1)
	tup.Param.SetFloat32(0, 1)
	tup.Grad.SetFloat32(0, 0.5)
	hp := testHyperparams
	hp.WeightDecay = 0
	if err := (Reference{}).Apply([]Tuple{tup}, hp, 1, 1, true); err != nil {
		t.Fatal(err)
	}
	// With bias correction, the first step moves the parameter by
	// almost exactly lr in the gradient's direction.
	p := float64(tup.Param.Float32(0))
	want := 1 - 0.1*(0.5/(0.5+1e-8))
	if math.Abs(p-want) > 1e-6 {
		t.Errorf("got %v, want %v", p, want)
	}
	if got, want := tup.ParamOut.Float32(0), tup.Param.Float32(0); got != want {
		t.Errorf("ParamOut %v disagrees with Param %v", got, want)
	}
	if got, want := tup.ExpAvg.Float32(0), float32(0.05); math.Abs(float64(got-want)) > 1e-7 {
		t.Errorf("exp_avg: got %v, want %v", got, want)
	}
}

func TestAdamWVersusL2(t *testing.T) {
	mk := func(adamW bool) float32 {
		tup := makeTuple(1)
		tup.Param.SetFloat32(0, 2)
		tup.Grad.SetFloat32(0, 0.25)
		if err := (Reference{}).Apply([]Tuple{tup}, testHyperparams, 1, 1, adamW); err != nil {
			t.Fatal(err)
		}
		return tup.Param.Float32(0)
	}
	if mk(true) == mk(false) {
		t.Error("adamW and L2 weight decay should differ with nonzero weight decay")
	}
}

func TestGradScale(t *testing.T) {
	run := func(scale float64, g float32) float32 {
		tup := makeTuple(1)
		tup.Param.SetFloat32(0, 1)
		tup.Grad.SetFloat32(0, g)
		hp := testHyperparams
		hp.WeightDecay = 0
		if err := (Reference{}).Apply([]Tuple{tup}, hp, 1, scale, true); err != nil {
			t.Fatal(err)
		}
		return tup.Param.Float32(0)
	}
	if got, want := run(0.5, 1), run(1, 0.5); got != want {
		t.Errorf("scaling grads by 0.5 and halving grads disagree: %v vs %v", got, want)
	}
}

func TestRemainderVariant(t *testing.T) {
	const n = 4
	tup := Tuple{
		Param:          buffer.New(buffer.BFloat16, n),
		ParamRemainder: buffer.New(buffer.Int16, n),
		ExpAvg:         buffer.New(buffer.Float32, n),
		ExpAvgSq:       buffer.New(buffer.Float32, n),
		Grad:           buffer.New(buffer.Float32, n),
		ParamOut:       buffer.New(buffer.BFloat16, n),
	}
	full := buffer.New(buffer.Float32, n)
	for i := 0; i < n; i++ {
		full.SetFloat32(i, float32(i)*0.3+1)
	}
	buffer.PackRemainder(tup.Param, tup.ParamRemainder, full)
	for i := 0; i < n; i++ {
		tup.Grad.SetFloat32(i, 0.1)
	}

	// Mirror the same step on a full-precision tuple.
	ref := makeTuple(n)
	buffer.Copy(ref.Param, full)
	buffer.Copy(ref.Grad, tup.Grad)

	if err := (Reference{}).Apply([]Tuple{tup}, testHyperparams, 1, 1, true); err != nil {
		t.Fatal(err)
	}
	if err := (Reference{}).Apply([]Tuple{ref}, testHyperparams, 1, 1, true); err != nil {
		t.Fatal(err)
	}
	got := buffer.New(buffer.Float32, n)
	buffer.UnpackRemainder(got, tup.Param, tup.ParamRemainder)
	for i := 0; i < n; i++ {
		if got, want := got.Float32(i), ref.Param.Float32(i); got != want {
			t.Errorf("element %d: got %v, want %v", i, got, want)
		}
	}
}
