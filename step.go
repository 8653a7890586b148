// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"math"

	"github.com/distopt/distadam/buffer"
	"github.com/distopt/distadam/kernel"
	"github.com/grailbio/base/must"
)

// Step applies one optimizer step: it completes gradient
// synchronization, runs the local Adam update on every rank's shards,
// and launches the parameter gathers that make the updated values
// visible. Without overlapped parameter sync, Step blocks until every
// parameter holds its new value; with it, Step returns once the
// updates are in flight and WillRead completes them on demand.
func (o *Optimizer) Step() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.gradSyncLocked(); err != nil {
		return err
	}
	return o.stepLocked()
}

// StepChecked is Step under a gradient scaler: it first computes the
// global gradient norm and skips the update entirely when the norm is
// not finite, reporting whether the step was applied.
func (o *Optimizer) StepChecked() (applied bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.gradSyncLocked(); err != nil {
		return false, err
	}
	norm, err := o.gradNormLocked()
	if err != nil {
		return false, err
	}
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return false, nil
	}
	return true, o.stepLocked()
}

// stepLocked runs the local update and parameter sync. Gradients must
// already be fully synchronized. The optimizer lock must be held.
func (o *Optimizer) stepLocked() error {
	o.step++

	// Buckets are stepped and gathered newest-first: backward visits
	// parameters in roughly the reverse of forward order, so the
	// newest bucket holds the parameters the next forward pass needs
	// soonest.
	o.paramsOrder = o.paramsOrder[:0]
	for id := len(o.buckets) - 1; id >= 0; id-- {
		o.paramsOrder = append(o.paramsOrder, id)
	}

	for _, id := range o.paramsOrder {
		if err := o.localStep(id); err != nil {
			return err
		}
		if !o.opts.OverlapParamSync || len(o.paramsBuckets) == 1 {
			// Keep one gather in flight; WillRead starts the rest as
			// parameters are consumed.
			o.startParamSync(id)
		}
	}
	o.gradScale = 1
	if o.opts.OverlapParamSync {
		return nil
	}
	return o.paramSyncLocked()
}

// localStep runs the Adam update for one bucket's local shard. The
// kernel invocation is batched per hyperparameter group and submitted
// to the bucket's pipeline stream; the bucket's gather is fenced
// behind it on the communication stream. The optimizer lock must be
// held.
func (o *Optimizer) localStep(bucketID int) error {
	bucket := o.buckets[bucketID]
	gb := o.gradBucket(bucketID)
	must.Truef(gb.GradsShard != nil, "bucket %d stepped before gradient sync", bucketID)
	pb := &ParameterBucket{
		ParamsShard:   buffer.New(o.opts.ParamSyncDType, bucket.ShardSize),
		paramsUpdated: make(map[*Parameter]struct{}),
	}
	o.paramsBuckets[bucketID] = pb

	tuples := make(map[int][]kernel.Tuple)
	var groupIDs []int
	for _, fragment := range bucket.Fragments {
		if !fragment.InLocalShard || fragment.ShardRange.Empty() {
			continue
		}
		param := o.groups[fragment.GroupID].Params[fragment.ParamID]
		r := fragment.ShardRange
		tup := kernel.Tuple{
			ExpAvg:   bucket.ExpAvgShard.Slice(r.Start, r.End),
			ExpAvgSq: bucket.ExpAvgSqShard.Slice(r.Start, r.End),
			Grad:     gb.GradsShard.Slice(r.Start, r.End),
			ParamOut: pb.ParamsShard.Slice(r.Start, r.End),
		}
		switch {
		case o.opts.StoreParams:
			tup.Param = bucket.ParamsShard.Slice(r.Start, r.End)
		case o.opts.StoreParamRemainders:
			pr := fragment.ShardParamRange
			tup.Param = param.Data.Slice(pr.Start, pr.End).Clone()
			tup.ParamRemainder = bucket.ParamRemaindersShard.Slice(r.Start, r.End)
		default:
			// The model parameter is the only copy; the kernel works
			// on a widened clone so the model value stays intact
			// until the gather lands.
			pr := fragment.ShardParamRange
			clone := buffer.New(o.opts.DType, pr.Len())
			buffer.Copy(clone, param.Data.Slice(pr.Start, pr.End))
			tup.Param = clone
		}
		if _, ok := tuples[fragment.GroupID]; !ok {
			groupIDs = append(groupIDs, fragment.GroupID)
		}
		tuples[fragment.GroupID] = append(tuples[fragment.GroupID], tup)
	}

	ss := o.pool.Pipeline(bucketID)
	step, gradScale, adamW := o.step, o.gradScale, o.opts.AdamW
	for _, groupID := range groupIDs {
		batch, hp := tuples[groupID], o.hyperparams(groupID)
		ss.Submit(func() error {
			return o.opts.Kernel.Apply(batch, hp, step, gradScale, adamW)
		})
	}
	// The gather must not read the shard before the kernel has
	// written it.
	o.pool.Comm().WaitEvent(ss.Record())
	return nil
}
