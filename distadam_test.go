// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/distopt/distadam/buffer"
	"github.com/distopt/distadam/comm"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// runWorld runs body once per rank, each on its own goroutine over a
// shared in-process fabric, and fails the test on the first error.
func runWorld(t *testing.T, worldSize int, body func(rank int, fabric *comm.Fabric) error) {
	t.Helper()
	fabric := comm.NewFabric(worldSize)
	var group errgroup.Group
	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		group.Go(func() error {
			if err := body(rank, fabric); err != nil {
				return fmt.Errorf("rank %d: %v", rank, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatal(err)
	}
}

// worldOptions returns a small-bucket configuration with overlapping
// disabled: buckets of 128 float32 elements, aligned to 32.
func worldOptions(fabric *comm.Fabric, rank int) Options {
	opts := DefaultOptions()
	opts.ProcessGroup = fabric.World(rank)
	opts.BucketCap = 512 * data.B
	opts.OverlapGradSync = false
	opts.OverlapParamSync = false
	return opts
}

// newParams creates float32 parameters of the given sizes. Rank 0
// fills them with deterministic values; the construction broadcast
// propagates those to the other ranks.
func newParams(rank int, seed int64, sizes ...int) []*Parameter {
	return newParamsDType(rank, seed, buffer.Float32, sizes...)
}

func newParamsDType(rank int, seed int64, dt buffer.DType, sizes ...int) []*Parameter {
	params := make([]*Parameter, len(sizes))
	for i, size := range sizes {
		p := &Parameter{Name: fmt.Sprintf("p%d", i), Data: buffer.New(dt, size)}
		if rank == 0 {
			rng := rand.New(rand.NewSource(seed + int64(i)))
			for j := 0; j < size; j++ {
				p.Data.SetFloat32(j, float32(rng.NormFloat64()))
			}
		}
		params[i] = p
	}
	return params
}

// synthGrad fills a fresh gradient for p, deterministic in
// (seed, step, param index, rank).
func synthGrad(p *Parameter, seed int64, step, index, rank int) {
	rng := rand.New(rand.NewSource(seed ^ int64(step)<<20 ^ int64(index)<<8 ^ int64(rank)))
	p.Grad = buffer.New(buffer.Float32, p.Size())
	for j := 0; j < p.Size(); j++ {
		p.Grad.SetFloat32(j, float32(rng.NormFloat64()))
	}
}

// constGrad fills a fresh gradient for p with a constant value.
func constGrad(p *Parameter, v float32) {
	p.Grad = buffer.New(buffer.Float32, p.Size())
	for j := 0; j < p.Size(); j++ {
		p.Grad.SetFloat32(j, v)
	}
}

// digestParams hashes the raw bytes of all parameter values.
func digestParams(params []*Parameter) uint64 {
	h := murmur3.New64()
	for _, p := range params {
		h.Write(p.Data.Bytes())
	}
	return h.Sum64()
}

func TestWillReadUninitialized(t *testing.T) {
	runWorld(t, 1, func(rank int, fabric *comm.Fabric) error {
		params := newParams(rank, 1, 64)
		o, err := New([]Group{{Params: params}}, worldOptions(fabric, rank))
		if err != nil {
			return err
		}
		defer o.Close()
		err = o.WillRead(params[0])
		if err == nil || errors.Recover(err).Severity != errors.Fatal {
			return fmt.Errorf("got %v, want fatal usage error", err)
		}
		return nil
	})
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	for _, c := range []struct {
		name   string
		mutate func(opts *Options)
	}{
		{"amsgrad", func(opts *Options) { opts.AMSGrad = true }},
		{"int16 state dtype", func(opts *Options) { opts.DType = buffer.Int16 }},
		{"int16 gradient sync dtype", func(opts *Options) { opts.GradSyncDType = buffer.Int16 }},
		{"remainders with stored params", func(opts *Options) {
			opts.StoreParamRemainders = true
			opts.ParamSyncDType = buffer.BFloat16
		}},
		{"remainders without bfloat16 sync", func(opts *Options) {
			opts.StoreParams = false
			opts.StoreParamRemainders = true
		}},
		{"no process group", func(opts *Options) { opts.ProcessGroup = nil }},
		{"group size mismatch", func(opts *Options) { opts.RedundantGroup = opts.ProcessGroup }},
		{"zero pipeline size", func(opts *Options) { opts.PipelineSize = 0 }},
		{"no kernel", func(opts *Options) { opts.Kernel = nil }},
	} {
		c := c
		t.Run(c.name, func(t *testing.T) {
			runWorld(t, 2, func(rank int, fabric *comm.Fabric) error {
				params := newParams(rank, 1, 64)
				opts := worldOptions(fabric, rank)
				c.mutate(&opts)
				o, err := New([]Group{{Params: params}}, opts)
				if err == nil {
					o.Close()
					return fmt.Errorf("invalid options accepted")
				}
				if !errors.Is(errors.Invalid, err) {
					return fmt.Errorf("got %v, want invalid argument error", err)
				}
				return nil
			})
		})
	}
}
