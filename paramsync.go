// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"fmt"

	"github.com/distopt/distadam/buffer"
	"github.com/grailbio/base/errors"
)

// WillRead tells the optimizer that param is about to be read, for
// example by the next forward pass. It blocks until the parameter
// holds its post-step values and, when overlapped parameter sync is
// enabled, opportunistically starts the gather of the next bucket
// still waiting.
func (o *Optimizer) WillRead(param *Parameter) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ps, err := o.lookup(param)
	if err != nil {
		return err
	}
	if ps.fragments == nil {
		return errors.E(errors.Fatal, fmt.Sprintf(
			"distadam: parameter %q accessed before its state was initialized", param.Name))
	}
	if err := o.paramCopy(ps); err != nil {
		return err
	}
	if o.opts.OverlapParamSync {
		o.tryStartParamSync()
	}
	return nil
}

// ParamSync blocks until every pending parameter gather has completed
// and all updated values have been copied back into the parameters.
func (o *Optimizer) ParamSync() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paramSyncLocked()
}

func (o *Optimizer) paramSyncLocked() error {
	for _, id := range o.paramsOrder {
		if pb, ok := o.paramsBuckets[id]; ok && pb.Status == ParamsSharded {
			o.startParamSync(id)
		}
	}
	for _, ps := range o.params {
		if ps.fragments == nil {
			continue
		}
		if err := o.paramCopy(ps); err != nil {
			return err
		}
	}
	return nil
}

// startParamSync submits the all-gather of one bucket's updated
// parameter shard to the communication stream. The optimizer lock
// must be held.
func (o *Optimizer) startParamSync(bucketID int) {
	bucket := o.buckets[bucketID]
	pb := o.paramsBuckets[bucketID]
	pb.ParamsBucket = buffer.New(o.opts.ParamSyncDType, bucket.ShardSize*o.distSize)
	pb.Status = ParamsSyncing
	dst, src := pb.ParamsBucket, pb.ParamsShard
	o.pool.Comm().Submit(func() error {
		return o.distGroup.AllGather(dst, src)
	})
}

// finishParamSync drains the communication stream and marks every
// in-flight gather complete, releasing the shard buffers. The
// optimizer lock must be held.
func (o *Optimizer) finishParamSync() error {
	if err := o.pool.SyncAll(); err != nil {
		return errors.E(errors.Fatal, "distadam: parameter sync failed", err)
	}
	for _, pb := range o.paramsBuckets {
		if pb.Status != ParamsSyncing {
			continue
		}
		pb.ParamsShard = nil
		pb.Status = ParamsReady
	}
	return nil
}

// tryStartParamSync starts the gather of the next bucket in sync
// order, but only when no gather is currently in flight: gathers are
// kept one ahead of consumption so they overlap with the reads of
// already-synced parameters. The optimizer lock must be held.
func (o *Optimizer) tryStartParamSync() {
	for _, pb := range o.paramsBuckets {
		if pb.Status == ParamsSyncing {
			return
		}
	}
	for _, id := range o.paramsOrder {
		if pb, ok := o.paramsBuckets[id]; ok && pb.Status == ParamsSharded {
			o.startParamSync(id)
			return
		}
	}
}

// paramCopy makes a parameter's post-step values visible in
// param.Data, forcing its buckets' gathers to start and finish as
// needed. A bucket is discarded once every parameter with a fragment
// in it has been copied out. The optimizer lock must be held.
func (o *Optimizer) paramCopy(ps *paramState) error {
	param := ps.param
	for _, fragment := range ps.fragments {
		pb, ok := o.paramsBuckets[fragment.BucketID]
		if !ok {
			continue
		}
		if pb.Status == ParamsSharded {
			o.startParamSync(fragment.BucketID)
		}
		if pb.Status == ParamsSyncing {
			if err := o.finishParamSync(); err != nil {
				return err
			}
		}
		if !fragment.ParamRange.Empty() {
			src := pb.ParamsBucket.Slice(fragment.BucketRange.Start, fragment.BucketRange.End)
			dst := param.Data.Slice(fragment.ParamRange.Start, fragment.ParamRange.End)
			buffer.Copy(dst, src)
		}
		pb.paramsUpdated[param] = struct{}{}
		bucket := o.buckets[fragment.BucketID]
		done := true
		for _, f := range bucket.Fragments {
			p := o.groups[f.GroupID].Params[f.ParamID]
			if _, ok := pb.paramsUpdated[p]; !ok {
				done = false
				break
			}
		}
		if done {
			delete(o.paramsBuckets, fragment.BucketID)
		}
	}
	return nil
}
