// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"fmt"
	"math"
	"testing"

	"github.com/distopt/distadam/buffer"
	"github.com/distopt/distadam/comm"
)

// trainSteps drives a standard training loop: gradients arrive in
// reverse parameter order (as a backward pass would deliver them),
// then a step, then reads in forward order.
func trainSteps(o *Optimizer, params []*Parameter, seed int64, steps, rank int) error {
	for step := 0; step < steps; step++ {
		for i := len(params) - 1; i >= 0; i-- {
			synthGrad(params[i], seed, step, i, rank)
			if err := o.GradReady(params[i]); err != nil {
				return err
			}
		}
		if err := o.Step(); err != nil {
			return err
		}
		for _, p := range params {
			if err := o.WillRead(p); err != nil {
				return err
			}
		}
		if err := o.ZeroGrad(); err != nil {
			return err
		}
	}
	return nil
}

// testGrid splits a fabric into a sharding group × redundant group
// grid, redundant index varying fastest.
func testGrid(fabric *comm.Fabric, rank, redSize int) (dist, red comm.Group, err error) {
	distSize := fabric.Size() / redSize
	distMembers := make([]int, distSize)
	for i := range distMembers {
		distMembers[i] = i*redSize + rank%redSize
	}
	if dist, err = fabric.Subgroup(rank, distMembers); err != nil {
		return nil, nil, err
	}
	if redSize == 1 {
		return dist, nil, nil
	}
	redMembers := make([]int, redSize)
	for j := range redMembers {
		redMembers[j] = rank / redSize * redSize + j
	}
	if red, err = fabric.Subgroup(rank, redMembers); err != nil {
		return nil, nil, err
	}
	return dist, red, nil
}

func TestStepAgreement(t *testing.T) {
	for _, c := range []struct{ world, red int }{{2, 1}, {4, 1}, {4, 2}} {
		c := c
		t.Run(fmt.Sprintf("world=%d,red=%d", c.world, c.red), func(t *testing.T) {
			digests := make([]uint64, c.world)
			initial := make([]uint64, c.world)
			runWorld(t, c.world, func(rank int, fabric *comm.Fabric) error {
				params := newParams(rank, 1, 100, 40, 200)
				opts := worldOptions(fabric, rank)
				var err error
				opts.DistributedGroup, opts.RedundantGroup, err = testGrid(fabric, rank, c.red)
				if err != nil {
					return err
				}
				o, err := New([]Group{{Params: params}}, opts)
				if err != nil {
					return err
				}
				defer o.Close()
				initial[rank] = digestParams(params)
				if err := trainSteps(o, params, 7, 3, rank); err != nil {
					return err
				}
				digests[rank] = digestParams(params)
				return nil
			})
			for rank := 1; rank < c.world; rank++ {
				if digests[rank] != digests[0] {
					t.Errorf("rank %d diverged: %x, rank 0 has %x", rank, digests[rank], digests[0])
				}
			}
			if digests[0] == initial[0] {
				t.Error("parameters did not change")
			}
		})
	}
}

func TestWorldSizeIndependence(t *testing.T) {
	// The same total gradient signal must produce identical parameters
	// at world size 1 and world size 2: the update is element-wise and
	// independent of the shard layout.
	const steps = 2
	sizes := []int{100, 40, 200}

	digests := make([]uint64, 2)
	runWorld(t, 2, func(rank int, fabric *comm.Fabric) error {
		params := newParams(rank, 1, sizes...)
		o, err := New([]Group{{Params: params}}, worldOptions(fabric, rank))
		if err != nil {
			return err
		}
		defer o.Close()
		if err := trainSteps(o, params, 7, steps, rank); err != nil {
			return err
		}
		digests[rank] = digestParams(params)
		return nil
	})

	var serial uint64
	runWorld(t, 1, func(rank int, fabric *comm.Fabric) error {
		params := newParams(rank, 1, sizes...)
		o, err := New([]Group{{Params: params}}, worldOptions(fabric, rank))
		if err != nil {
			return err
		}
		defer o.Close()
		for step := 0; step < steps; step++ {
			for i := len(params) - 1; i >= 0; i-- {
				p := params[i]
				// Reproduce the fabric's reduction arithmetic exactly:
				// sum the two ranks' gradients in order, then halve.
				g0, g1 := &Parameter{Data: p.Data}, &Parameter{Data: p.Data}
				synthGrad(g0, 7, step, i, 0)
				synthGrad(g1, 7, step, i, 1)
				p.Grad = buffer.New(buffer.Float32, p.Size())
				for j := 0; j < p.Size(); j++ {
					sum := g0.Grad.Float32(j)
					sum += g1.Grad.Float32(j)
					p.Grad.SetFloat32(j, sum*0.5)
				}
				if err := o.GradReady(p); err != nil {
					return err
				}
			}
			if err := o.Step(); err != nil {
				return err
			}
			if err := o.ZeroGrad(); err != nil {
				return err
			}
		}
		serial = digestParams(params)
		return nil
	})
	if digests[0] != serial {
		t.Errorf("world 2 digest %x != world 1 digest %x", digests[0], serial)
	}
}

func TestOverlapMatchesEager(t *testing.T) {
	run := func(overlap bool) uint64 {
		digests := make([]uint64, 2)
		runWorld(t, 2, func(rank int, fabric *comm.Fabric) error {
			params := newParams(rank, 1, 100, 40, 200)
			opts := worldOptions(fabric, rank)
			opts.OverlapGradSync = overlap
			opts.OverlapParamSync = overlap
			o, err := New([]Group{{Params: params}}, opts)
			if err != nil {
				return err
			}
			defer o.Close()
			if overlap {
				if err := o.InitParams(); err != nil {
					return err
				}
			}
			if err := trainSteps(o, params, 7, 3, rank); err != nil {
				return err
			}
			digests[rank] = digestParams(params)
			return nil
		})
		return digests[0]
	}
	if eager, overlapped := run(false), run(true); eager != overlapped {
		t.Errorf("overlapped digest %x != eager digest %x", overlapped, eager)
	}
}

func TestStepCheckedSkipsNonFinite(t *testing.T) {
	runWorld(t, 1, func(rank int, fabric *comm.Fabric) error {
		params := newParams(rank, 1, 64)
		o, err := New([]Group{{Params: params}}, worldOptions(fabric, rank))
		if err != nil {
			return err
		}
		defer o.Close()
		before := digestParams(params)
		constGrad(params[0], 1)
		params[0].Grad.SetFloat32(3, float32(math.NaN()))
		if err := o.GradReady(params[0]); err != nil {
			return err
		}
		applied, err := o.StepChecked()
		if err != nil {
			return err
		}
		if applied {
			return fmt.Errorf("step applied despite NaN gradient")
		}
		if got := digestParams(params); got != before {
			return fmt.Errorf("skipped step changed parameters")
		}
		if got := o.StepCount(); got != 0 {
			return fmt.Errorf("step count %d after skipped step", got)
		}
		if err := o.ZeroGrad(); err != nil {
			return err
		}
		constGrad(params[0], 1)
		if err := o.GradReady(params[0]); err != nil {
			return err
		}
		applied, err = o.StepChecked()
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("step skipped despite finite gradients")
		}
		if got := o.StepCount(); got != 1 {
			return fmt.Errorf("step count %d, want 1", got)
		}
		return nil
	})
}

func TestContiguousBuffers(t *testing.T) {
	const steps = 2
	sizes := []int{100, 40}

	run := func(contiguous bool) uint64 {
		digests := make([]uint64, 2)
		runWorld(t, 2, func(rank int, fabric *comm.Fabric) error {
			params := newParams(rank, 1, sizes...)
			opts := worldOptions(fabric, rank)
			opts.ContiguousParamBuffer = contiguous
			opts.ContiguousGradBuffer = contiguous
			o, err := New([]Group{{Params: params}}, opts)
			if err != nil {
				return err
			}
			defer o.Close()
			if contiguous {
				if err := o.InitParamBuffer(); err != nil {
					return err
				}
			}
			for step := 0; step < steps; step++ {
				for i := len(params) - 1; i >= 0; i-- {
					synthGrad(params[i], 7, step, i, rank)
					if contiguous {
						// Write gradients straight into the shared
						// arena, as a fused backward would.
						view, err := o.GradBufferView(params[i])
						if err != nil {
							return err
						}
						buffer.Accumulate(view, params[i].Grad)
						params[i].Grad = nil
					} else if err := o.GradReady(params[i]); err != nil {
						return err
					}
				}
				if err := o.Step(); err != nil {
					return err
				}
				if err := o.ZeroGrad(); err != nil {
					return err
				}
			}
			digests[rank] = digestParams(params)
			return nil
		})
		return digests[0]
	}
	if plain, contiguous := run(false), run(true); plain != contiguous {
		t.Errorf("contiguous digest %x != plain digest %x", contiguous, plain)
	}
}

func TestRemainderVariantMatchesStoredParams(t *testing.T) {
	const steps = 3
	sizes := []int{100, 40}

	run := func(remainders bool) (*State, uint64) {
		var state *State
		digests := make([]uint64, 2)
		runWorld(t, 2, func(rank int, fabric *comm.Fabric) error {
			params := newParamsDType(rank, 1, buffer.BFloat16, sizes...)
			opts := worldOptions(fabric, rank)
			opts.ParamSyncDType = buffer.BFloat16
			opts.StoreParams = !remainders
			opts.StoreParamRemainders = remainders
			o, err := New([]Group{{Params: params}}, opts)
			if err != nil {
				return err
			}
			defer o.Close()
			if err := trainSteps(o, params, 7, steps, rank); err != nil {
				return err
			}
			digests[rank] = digestParams(params)
			s, err := o.State()
			if err != nil {
				return err
			}
			if rank == 0 {
				state = s
			}
			return nil
		})
		return state, digests[0]
	}

	stored, storedDigest := run(false)
	remainder, remainderDigest := run(true)
	if storedDigest != remainderDigest {
		t.Errorf("model parameter digests differ: %x vs %x", storedDigest, remainderDigest)
	}
	if len(stored.Params) != len(remainder.Params) {
		t.Fatalf("state sizes differ: %d vs %d", len(stored.Params), len(remainder.Params))
	}
	// The remainder packing is exact: the reconstructed master copies
	// must match the stored ones bit for bit.
	for i := range stored.Params {
		a, b := stored.Params[i], remainder.Params[i]
		if string(a.Param) != string(b.Param) {
			t.Errorf("parameter %s: master copies differ", a.Name)
		}
		if string(a.ExpAvg) != string(b.ExpAvg) || string(a.ExpAvgSq) != string(b.ExpAvgSq) {
			t.Errorf("parameter %s: moment estimates differ", a.Name)
		}
	}
}
