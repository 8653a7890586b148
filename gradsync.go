// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"fmt"

	"github.com/distopt/distadam/buffer"
	"github.com/distopt/distadam/comm"
	"github.com/grailbio/base/errors"
)

// GradReady tells the optimizer that a gradient has been produced for
// param. The training integration calls it from its gradient hooks,
// in backward order. The parameter's state is initialized lazily on
// the first call; the gradient is copied into its buckets, and when
// overlapped gradient sync is enabled, any bucket that became fully
// filled starts its asynchronous reduction immediately.
func (o *Optimizer) GradReady(param *Parameter) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ps, err := o.lookup(param)
	if err != nil {
		return err
	}
	needInit := ps.fragments == nil
	if needInit {
		o.initParamState(ps)
		o.maybeWarnUtilization()
	}
	if param.Grad == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("distadam: parameter %q has no gradient", param.Name))
	}
	if o.greedyGradCopy {
		if err := o.gradCopy(ps); err != nil {
			return err
		}
	}
	if o.overlapGradSync {
		// While parameters are still being initialized lazily, the
		// last bucket may yet receive more fragments; don't sync it
		// early.
		return o.tryStartGradSync([]*paramState{ps}, needInit)
	}
	return nil
}

// gradCopy accumulates param.Grad into the parameter's gradient
// buckets and consumes it. The optimizer lock must be held.
func (o *Optimizer) gradCopy(ps *paramState) error {
	param := ps.param
	if param.Grad == nil {
		return nil
	}
	if param.Grad.Len() != param.Data.Len() {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"distadam: gradient for %q has %d elements, parameter has %d",
			param.Name, param.Grad.Len(), param.Data.Len()))
	}
	for _, fragment := range ps.fragments {
		bucket := o.buckets[fragment.BucketID]
		gb := o.gradBucket(fragment.BucketID)
		if gb.Status == GradsSyncing {
			if err := o.finishGradSync(); err != nil {
				return err
			}
		}
		if gb.GradsBucket == nil {
			if o.opts.ContiguousGradBuffer {
				if err := o.initGradBuffer(); err != nil {
					return err
				}
				start := bucket.ContiguousBufferOffset
				gb.GradsBucket = o.gradBuffer.Slice(start, start+bucket.BucketSize)
			} else {
				gb.GradsBucket = buffer.New(o.opts.GradSyncDType, bucket.BucketSize)
			}
		}
		if len(gb.gradsGenerated) == 0 && gb.Status == GradsReady {
			// New fill cycle. If the reduced shard is a view of the
			// bucket buffer (the single-shard fast path), detach it
			// before reusing the buffer.
			if buffer.SameStorage(gb.GradsShard, gb.GradsBucket) {
				gb.GradsShard = gb.GradsShard.Clone()
			}
			gb.GradsBucket.Zero()
		}
		if !fragment.ParamRange.Empty() {
			dst := gb.GradsBucket.Slice(fragment.BucketRange.Start, fragment.BucketRange.End)
			src := param.Grad.Slice(fragment.ParamRange.Start, fragment.ParamRange.End)
			buffer.Accumulate(dst, src)
		}
		// A zero-length padding fragment contributes no data but still
		// counts toward the bucket's fill.
		gb.gradsGenerated[param] = struct{}{}
		gb.Status = GradsPartiallyFilled
	}
	param.Grad = nil
	return nil
}

// tryStartGradSync starts the asynchronous reduction of every bucket
// touched by params whose fragments have all contributed gradients.
// With ignoreLast, the newest bucket is exempted while it can still
// receive fragments. The optimizer lock must be held.
func (o *Optimizer) tryStartGradSync(params []*paramState, ignoreLast bool) error {
	var ready []int
	seen := make(map[int]bool)
	for _, ps := range params {
		for _, fragment := range ps.fragments {
			id := fragment.BucketID
			if seen[id] {
				continue
			}
			seen[id] = true
			bucket := o.buckets[id]
			if ignoreLast && id == len(o.buckets)-1 && bucket.ableToFill {
				continue
			}
			gb := o.gradBucket(id)
			if gb.Status != GradsPartiallyFilled {
				continue
			}
			filled := true
			for _, f := range bucket.Fragments {
				p := o.groups[f.GroupID].Params[f.ParamID]
				if _, ok := gb.gradsGenerated[p]; !ok {
					filled = false
					break
				}
			}
			if filled {
				gb.Status = GradsFullyFilled
				ready = append(ready, id)
			}
		}
	}
	o.startGradSync(ready)
	return nil
}

// startGradSync submits the reduce-scatter (and, with a redundant
// group, the follow-up all-reduce) for each bucket to the
// communication stream. Buckets are issued in the order given; the
// caller is responsible for that order being identical on every rank.
// The optimizer lock must be held.
func (o *Optimizer) startGradSync(bucketIDs []int) {
	op := comm.Sum
	if o.opts.AverageGradSync {
		op = comm.Avg
	}
	cs := o.pool.Comm()
	for _, id := range bucketIDs {
		bucket := o.buckets[id]
		gb := o.gradBucket(id)
		if o.distSize == 1 {
			// The shard is the whole bucket; reduce in place.
			gb.syncGradsShard = gb.GradsBucket.Slice(0, bucket.ShardSize)
		} else {
			gb.syncGradsShard = buffer.New(o.opts.GradSyncDType, bucket.ShardSize)
		}
		gb.Status = GradsSyncing
		gb.gradsGenerated = make(map[*Parameter]struct{})
		dst, src := gb.syncGradsShard, gb.GradsBucket
		cs.Submit(func() error {
			return o.distGroup.ReduceScatter(dst, src, op)
		})
		if o.redGroup != nil {
			cs.Submit(func() error {
				return o.redGroup.AllReduce(dst, op)
			})
		}
	}
}

// finishGradSync drains the communication stream and absorbs every
// in-flight reduction into its bucket's gradient shard. The optimizer
// lock must be held.
func (o *Optimizer) finishGradSync() error {
	if err := o.pool.Comm().Sync(); err != nil {
		return errors.E(errors.Fatal, "distadam: gradient sync failed", err)
	}
	for _, gb := range o.gradsBuckets {
		if gb.Status != GradsSyncing {
			continue
		}
		if gb.GradsShard == nil {
			gb.GradsShard = gb.syncGradsShard
		} else {
			buffer.Accumulate(gb.GradsShard, gb.syncGradsShard)
		}
		gb.syncGradsShard = nil
		gb.Status = GradsReady
		o.hasNorm = false
	}
	return nil
}

// GradSync copies any outstanding parameter gradients into their
// buckets and synchronizes every bucket, blocking until all gradient
// shards hold fully reduced values.
func (o *Optimizer) GradSync() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gradSyncLocked()
}

func (o *Optimizer) gradSyncLocked() error {
	if err := o.initParamsLocked(nil); err != nil {
		return err
	}
	for _, ps := range o.params {
		if err := o.gradCopy(ps); err != nil {
			return err
		}
	}
	return o.forceGradSync()
}

// forceGradSync synchronizes every bucket regardless of fill state:
// partially filled buckets are reduced as-is, and buckets that
// received no gradients this cycle contribute zeros so that every
// rank issues the same collectives. The optimizer lock must be held.
func (o *Optimizer) forceGradSync() error {
	if err := o.finishGradSync(); err != nil {
		return err
	}
	var pending []int
	for id := range o.buckets {
		gb := o.gradBucket(id)
		switch gb.Status {
		case GradsPartiallyFilled, GradsFullyFilled:
			gb.Status = GradsFullyFilled
			pending = append(pending, id)
		case GradsReady:
			if gb.GradsShard != nil {
				continue
			}
			// Never filled through gradient callbacks this step. With
			// the contiguous arena the bucket may still hold gradients
			// written directly through GradBufferView; otherwise it
			// contributes zeros so every rank issues the same
			// collectives.
			bucket := o.buckets[id]
			if o.opts.ContiguousGradBuffer {
				if err := o.initGradBuffer(); err != nil {
					return err
				}
				start := bucket.ContiguousBufferOffset
				gb.GradsBucket = o.gradBuffer.Slice(start, start+bucket.BucketSize)
			} else if gb.GradsBucket == nil {
				gb.GradsBucket = buffer.New(o.opts.GradSyncDType, bucket.BucketSize)
			} else {
				gb.GradsBucket.Zero()
			}
			gb.Status = GradsFullyFilled
			pending = append(pending, id)
		}
	}
	o.startGradSync(pending)
	return o.finishGradSync()
}

// ZeroGrad resets all gradient state for the next set of backward
// passes. It waits out any in-flight reductions, discards reduced
// shards, and clears pending gradients on the parameters. ZeroGrad is
// idempotent.
func (o *Optimizer) ZeroGrad() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.finishGradSync(); err != nil {
		return err
	}
	for _, gb := range o.gradsBuckets {
		gb.GradsShard = nil
		gb.syncGradsShard = nil
		gb.gradsGenerated = make(map[*Parameter]struct{})
		gb.Status = GradsReady
	}
	if o.gradBuffer != nil {
		o.gradBuffer.Zero()
	}
	for _, ps := range o.params {
		ps.param.Grad = nil
	}
	o.hasNorm = false
	o.gradScale = 1
	return nil
}
