// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"github.com/distopt/distadam/buffer"
)

// GradientStatus represents the synchronization state of one bucket's
// gradients. Values are ordered by progression through a step.
type GradientStatus int

const (
	// GradsReady indicates no pending gradient data.
	GradsReady GradientStatus = iota
	// GradsPartiallyFilled indicates some but not all fragments have
	// contributed gradients this step.
	GradsPartiallyFilled
	// GradsFullyFilled indicates every fragment has contributed.
	GradsFullyFilled
	// GradsSyncing indicates an asynchronous reduction is in flight.
	GradsSyncing
)

var gradientStatuses = [...]string{
	GradsReady:           "READY",
	GradsPartiallyFilled: "PARTIALLY_FILLED",
	GradsFullyFilled:     "FULLY_FILLED",
	GradsSyncing:         "SYNCING",
}

// String returns the status as an upper-case string.
func (s GradientStatus) String() string { return gradientStatuses[s] }

// ParameterStatus represents the synchronization state of one
// bucket's parameter values.
type ParameterStatus int

const (
	// ParamsSharded indicates only the local shard is available.
	ParamsSharded ParameterStatus = iota
	// ParamsSyncing indicates an asynchronous gather is in flight.
	ParamsSyncing
	// ParamsReady indicates the full bucket is available to copy out.
	ParamsReady
)

var parameterStatuses = [...]string{
	ParamsSharded: "SHARDED",
	ParamsSyncing: "SYNCING",
	ParamsReady:   "READY",
}

// String returns the status as an upper-case string.
func (s ParameterStatus) String() string { return parameterStatuses[s] }

// A StateBucket owns the persistent optimizer state for one bucket:
// the local shards of the moment estimates and, depending on
// configuration, a stored parameter shard or a packed remainder
// shard. Buckets are created lazily as parameters are registered,
// grow append-only, and live until the optimizer is discarded.
type StateBucket struct {
	// BucketSize is the bucket's capacity in elements.
	BucketSize int
	// ShardSize is the number of elements owned by each rank:
	// BucketSize / distributed size, aligned.
	ShardSize int
	// FilledSize is the current fill offset within the bucket.
	FilledSize int
	// ContiguousBufferOffset is the bucket's offset into the shared
	// contiguous arenas, when those are enabled.
	ContiguousBufferOffset int
	// Fragments is the ordered list of parameter fragments assigned
	// to this bucket.
	Fragments []*Fragment

	// ParamsShard is the stored full-precision parameter shard; nil
	// unless the store-params option is set.
	ParamsShard *buffer.Buffer
	// ParamRemaindersShard is the packed 16-bit remainder shard; nil
	// unless the store-param-remainders option is set.
	ParamRemaindersShard *buffer.Buffer
	// ExpAvgShard and ExpAvgSqShard are the local shards of the first
	// and second moment estimates.
	ExpAvgShard   *buffer.Buffer
	ExpAvgSqShard *buffer.Buffer

	// ableToFill is cleared once the bucket must not co-locate
	// further parameters; mapping then forces a new bucket even if
	// room remains.
	ableToFill bool
}

// appendBucket creates a new state bucket with the default shard
// size and appends it. The optimizer lock must be held.
func (o *Optimizer) appendBucket() *StateBucket {
	shardSize := o.defaultShardSize
	bucketSize := shardSize * o.distSize
	offset := 0
	if n := len(o.buckets); n > 0 {
		last := o.buckets[n-1]
		offset = last.ContiguousBufferOffset + last.BucketSize
	}
	bucket := &StateBucket{
		BucketSize:             bucketSize,
		ShardSize:              shardSize,
		ContiguousBufferOffset: offset,
		ableToFill:             true,
		ExpAvgShard:            buffer.New(o.opts.DType, shardSize),
		ExpAvgSqShard:          buffer.New(o.opts.DType, shardSize),
	}
	if o.opts.StoreParams {
		bucket.ParamsShard = buffer.New(o.opts.DType, shardSize)
	}
	if o.opts.StoreParamRemainders {
		bucket.ParamRemaindersShard = buffer.New(buffer.Int16, shardSize)
	}
	o.buckets = append(o.buckets, bucket)
	return bucket
}

// A GradientBucket holds the transient gradient buffers and fill
// state for one bucket during one step. It is created on demand and
// reset by ZeroGrad.
type GradientBucket struct {
	// GradsShard is the local shard of fully reduced gradients,
	// accumulated across syncs within one step.
	GradsShard *buffer.Buffer
	// GradsBucket is the local, unreduced contribution to the whole
	// bucket.
	GradsBucket *buffer.Buffer
	// Status tracks the bucket's progression through the gradient
	// state machine.
	Status GradientStatus

	// syncGradsShard is the reduce-scatter output buffer while a
	// reduction is in flight.
	syncGradsShard *buffer.Buffer
	// gradsGenerated is the set of parameters whose gradients have
	// been copied in this fill cycle.
	gradsGenerated map[*Parameter]struct{}
}

// gradBucket returns the gradient bucket for the given id, creating
// it if needed. The optimizer lock must be held.
func (o *Optimizer) gradBucket(id int) *GradientBucket {
	gb, ok := o.gradsBuckets[id]
	if !ok {
		gb = &GradientBucket{gradsGenerated: make(map[*Parameter]struct{})}
		o.gradsBuckets[id] = gb
	}
	return gb
}

// A ParameterBucket holds the transient parameter buffers for one
// bucket during one step's synchronization cycle. It is created by
// Step and discarded once every fragment has been copied back into
// its parameter.
type ParameterBucket struct {
	// ParamsShard is the freshly updated local parameter shard. It is
	// released once the gather completes.
	ParamsShard *buffer.Buffer
	// ParamsBucket is the gathered full bucket of parameter values.
	ParamsBucket *buffer.Buffer
	// Status tracks the bucket's progression through the parameter
	// state machine.
	Status ParameterStatus

	// paramsUpdated is the set of parameters already copied out.
	paramsUpdated map[*Parameter]struct{}
}
