// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"fmt"

	"github.com/distopt/distadam/buffer"
	"github.com/grailbio/base/log"
)

// A Range is a half-open element interval [Start, End).
type Range struct {
	Start, End int
}

// Len returns the number of elements in the range.
func (r Range) Len() int { return r.End - r.Start }

// Empty reports whether the range contains no elements.
func (r Range) Empty() bool { return r.End <= r.Start }

// String returns the range formatted as [start,end).
func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// A Fragment describes one contiguous slice of one parameter as it
// sits inside one bucket. Fragments are immutable once created. A
// parameter split into N fragments has contiguous, non-overlapping
// ParamRanges that together span the whole parameter; each fragment
// belongs to exactly one bucket. Zero-length fragments are legal:
// they pad buckets that were force-closed for isolation and carry no
// communication cost.
type Fragment struct {
	// GroupID and ParamID locate the owning parameter.
	GroupID, ParamID int
	// BucketID is the index of the bucket holding this fragment.
	BucketID int
	// ParamRange is the fragment's range within the flattened
	// parameter.
	ParamRange Range
	// BucketRange is the fragment's range within the bucket.
	BucketRange Range
	// InLocalShard reports whether BucketRange intersects the bucket
	// subrange owned by the local rank.
	InLocalShard bool
	// ShardRange is the intersection expressed in shard-local
	// offsets. Valid only when InLocalShard.
	ShardRange Range
	// ShardBucketRange is the intersection expressed in bucket
	// offsets. Valid only when InLocalShard.
	ShardBucketRange Range
	// ShardParamRange is the intersection expressed in
	// parameter-local offsets. Valid only when InLocalShard.
	ShardParamRange Range
}

// roundToMultiple rounds n to a multiple of align, up or down.
// Arguments must be non-negative.
func roundToMultiple(n, align int, up bool) int {
	if up {
		n += align - 1
	}
	return n / align * align
}

// initParamState lazily maps a parameter's flat element range across
// buckets and records the resulting fragments. Re-invocation for an
// already-mapped parameter is a no-op. The optimizer lock must be
// held.
func (o *Optimizer) initParamState(ps *paramState) {
	if ps.fragments != nil {
		return
	}
	ps.fragments = []*Fragment{}

	if len(o.buckets) == 0 {
		o.appendBucket()
	}

	param := ps.param
	paramStart := 0
	paramSize := param.Data.Len()
	for paramStart < paramSize {
		bucketID := len(o.buckets) - 1
		bucket := o.buckets[bucketID]

		// The fragment starts at the bucket's fill offset rounded up
		// to the alignment unit and never crosses the bucket
		// boundary.
		bucketStart := roundToMultiple(bucket.FilledSize, o.alignment, true)
		fragmentSize := min(paramSize-paramStart, bucket.BucketSize-bucketStart)
		if fragmentSize <= 0 || !bucket.ableToFill {
			o.appendBucket()
			continue
		}
		paramEnd := paramStart + fragmentSize
		bucketEnd := bucketStart + fragmentSize

		// Intersect with the local rank's shard by clamping the
		// bucket range into shard coordinates.
		shardSize := bucket.ShardSize
		shardID := o.distRank
		shardStart := clamp(bucketStart-shardSize*shardID, 0, shardSize)
		shardEnd := clamp(bucketEnd-shardSize*shardID, 0, shardSize)
		fragment := &Fragment{
			GroupID:     ps.groupID,
			ParamID:     ps.paramID,
			BucketID:    bucketID,
			ParamRange:  Range{paramStart, paramEnd},
			BucketRange: Range{bucketStart, bucketEnd},
		}
		if shardStart < shardEnd {
			fragment.InLocalShard = true
			fragment.ShardRange = Range{shardStart, shardEnd}
			sbStart := shardStart + shardSize*shardID
			fragment.ShardBucketRange = Range{sbStart, sbStart + shardEnd - shardStart}
			spStart := sbStart - bucketStart + paramStart
			fragment.ShardParamRange = Range{spStart, spStart + shardEnd - shardStart}
		}
		ps.fragments = append(ps.fragments, fragment)
		bucket.Fragments = append(bucket.Fragments, fragment)
		bucket.FilledSize = bucketEnd
		paramStart = paramEnd
	}

	// Seed the stored parameter shard with the model's current
	// values.
	if o.opts.StoreParams {
		for _, fragment := range ps.fragments {
			if !fragment.InLocalShard {
				continue
			}
			bucket := o.buckets[fragment.BucketID]
			src := param.Data.Slice(fragment.ShardParamRange.Start, fragment.ShardParamRange.End)
			dst := bucket.ParamsShard.Slice(fragment.ShardRange.Start, fragment.ShardRange.End)
			buffer.Copy(dst, src)
		}
	}
}

// InitParams initializes optimizer state for the given parameters,
// or for all registered parameters when none are given. Parameters
// that have already been initialized are ignored.
func (o *Optimizer) InitParams(params ...*Parameter) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initParamsLocked(params)
}

func (o *Optimizer) initParamsLocked(params []*Parameter) error {
	if params == nil {
		for _, ps := range o.params {
			o.initParamState(ps)
		}
	} else {
		for _, param := range params {
			ps, err := o.lookup(param)
			if err != nil {
				return err
			}
			o.initParamState(ps)
		}
	}
	o.maybeWarnUtilization()
	return nil
}

// InitBucket initializes optimizer state for the given parameters as
// one effective communication unit: existing buckets are closed to
// further filling, and every bucket created for these parameters
// depends on all of them. Parameters already initialized are ignored.
func (o *Optimizer) InitBucket(params ...*Parameter) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending := make([]*paramState, 0, len(params))
	for _, param := range params {
		ps, err := o.lookup(param)
		if err != nil {
			return err
		}
		if ps.fragments == nil {
			pending = append(pending, ps)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	for _, bucket := range o.buckets {
		bucket.ableToFill = false
	}
	startBucketID := len(o.buckets)
	for _, ps := range pending {
		o.initParamState(ps)
	}
	endBucketID := len(o.buckets)

	// Close the new buckets and pad each with zero-length fragments
	// for the grouped parameters it does not already contain, so that
	// the bucket becomes fully filled only when every grouped
	// parameter has contributed.
	for bucketID := startBucketID; bucketID < endBucketID; bucketID++ {
		bucket := o.buckets[bucketID]
		bucket.ableToFill = false
		present := make(map[[2]int]bool, len(bucket.Fragments))
		for _, fragment := range bucket.Fragments {
			present[[2]int{fragment.GroupID, fragment.ParamID}] = true
		}
		for _, ps := range pending {
			if present[[2]int{ps.groupID, ps.paramID}] {
				continue
			}
			paramSize := ps.param.Data.Len()
			fragment := &Fragment{
				GroupID:     ps.groupID,
				ParamID:     ps.paramID,
				BucketID:    bucketID,
				ParamRange:  Range{paramSize, paramSize},
				BucketRange: Range{bucket.BucketSize, bucket.BucketSize},
			}
			ps.fragments = append(ps.fragments, fragment)
			bucket.Fragments = append(bucket.Fragments, fragment)
		}
	}
	o.maybeWarnUtilization()
	return nil
}

// maybeWarnUtilization logs a warning once every parameter has been
// initialized if the buckets are poorly utilized. The optimizer lock
// must be held.
func (o *Optimizer) maybeWarnUtilization() {
	if o.warnedUtilization {
		return
	}
	for _, ps := range o.params {
		if ps.fragments == nil {
			return
		}
	}
	o.warnedUtilization = true
	var bucketSize, filledSize int
	for _, bucket := range o.buckets {
		bucketSize += bucket.BucketSize
		filledSize += bucket.FilledSize
	}
	if bucketSize == 0 {
		return
	}
	if utilization := float64(filledSize) / float64(bucketSize); utilization < 0.7 {
		log.Printf("distadam: only %.1f%% of bucket capacity is used; consider decreasing the bucket size option", utilization*100)
	}
}

// A Layout summarizes an optimizer's bucket layout.
type Layout struct {
	// Buckets is the number of buckets.
	Buckets int
	// ShardSize is the per-rank shard size in elements.
	ShardSize int
	// Filled and Capacity are the used and total bucket elements.
	Filled, Capacity int
}

// Utilization returns the filled fraction of the bucket capacity.
func (l Layout) Utilization() float64 {
	if l.Capacity == 0 {
		return 0
	}
	return float64(l.Filled) / float64(l.Capacity)
}

// Layout initializes any remaining parameters and returns the
// resulting bucket layout.
func (o *Optimizer) Layout() (Layout, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.initParamsLocked(nil); err != nil {
		return Layout{}, err
	}
	l := Layout{Buckets: len(o.buckets), ShardSize: o.defaultShardSize}
	for _, bucket := range o.buckets {
		l.Filled += bucket.FilledSize
		l.Capacity += bucket.BucketSize
	}
	return l, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
