// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/distopt/distadam/buffer"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/spaolacci/murmur3"
)

// State is a world-size-independent checkpoint of the optimizer: the
// full-precision parameter values and moment estimates for every
// parameter, keyed by name, gathered from all shards. A State written
// by one world size loads into any other.
type State struct {
	// Step is the number of optimizer steps applied.
	Step int
	// Params holds one entry per parameter in registration order.
	Params []ParamState
}

// ParamState is one parameter's full-precision optimizer state. The
// byte fields hold little-endian float32 elements.
type ParamState struct {
	Name                    string
	Param, ExpAvg, ExpAvgSq []byte
}

// Encode serializes the state to w.
func (s *State) Encode(w io.Writer) error {
	return gob.NewEncoder(w).Encode(s)
}

// ReadState deserializes a state previously written with Encode.
func ReadState(r io.Reader) (*State, error) {
	s := new(State)
	if err := gob.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.E("distadam: reading checkpoint", err)
	}
	return s, nil
}

// shardIntersect computes, for an arbitrary rank, the intersection of
// a fragment's bucket range with that rank's shard, in shard-local
// and parameter-local offsets. ok is false when they don't intersect.
func shardIntersect(fragment *Fragment, shardSize, rank int) (shardRange, paramRange Range, ok bool) {
	start := clamp(fragment.BucketRange.Start-shardSize*rank, 0, shardSize)
	end := clamp(fragment.BucketRange.End-shardSize*rank, 0, shardSize)
	if start >= end {
		return Range{}, Range{}, false
	}
	pStart := start + shardSize*rank - fragment.BucketRange.Start + fragment.ParamRange.Start
	return Range{start, end}, Range{pStart, pStart + end - start}, true
}

// State gathers the full optimizer state to the global root rank and
// returns it there; every other rank returns nil. All ranks of the
// sharding group must call State together; redundant non-root ranks
// hold duplicate shards and are excused. Pending synchronization is
// completed first.
func (o *Optimizer) State() (*State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.initParamsLocked(nil); err != nil {
		return nil, err
	}
	if err := o.finishGradSync(); err != nil {
		return nil, err
	}
	if err := o.finishParamSync(); err != nil {
		return nil, err
	}
	if o.redGroup != nil && o.redGroup.Rank() != 0 {
		return nil, nil
	}
	isRoot := o.distGroup.Rank() == 0

	// Full per-parameter accumulation buffers, root only.
	type kindBuffers = [3]*buffer.Buffer // param, exp_avg, exp_avg_sq
	var full []kindBuffers
	if isRoot {
		full = make([]kindBuffers, len(o.params))
		for i, ps := range o.params {
			for k := range full[i] {
				full[i][k] = buffer.New(buffer.Float32, ps.param.Size())
			}
		}
	}

	for id, bucket := range o.buckets {
		shards, err := o.packStateShards(id)
		if err != nil {
			return nil, err
		}
		for kind, shard := range shards {
			var dst []*buffer.Buffer
			if isRoot {
				dst = make([]*buffer.Buffer, o.distSize)
				for r := range dst {
					dst[r] = buffer.New(buffer.Float32, bucket.ShardSize)
				}
			}
			if err := o.distGroup.Gather(dst, shard, 0); err != nil {
				return nil, errors.E(errors.Fatal, "distadam: checkpoint gather failed", err)
			}
			if !isRoot {
				continue
			}
			kind := kind
			err := traverse.Each(len(bucket.Fragments), func(i int) error {
				fragment := bucket.Fragments[i]
				ps := o.params[o.groups[fragment.GroupID].Params[fragment.ParamID].handle-1]
				for rank, rankShard := range dst {
					sr, pr, ok := shardIntersect(fragment, bucket.ShardSize, rank)
					if !ok {
						continue
					}
					buffer.Copy(
						full[ps.param.handle-1][kind].Slice(pr.Start, pr.End),
						rankShard.Slice(sr.Start, sr.End))
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	if !isRoot {
		return nil, nil
	}
	state := &State{Step: o.step, Params: make([]ParamState, len(o.params))}
	for i, ps := range o.params {
		state.Params[i] = ParamState{
			Name:     ps.param.Name,
			Param:    full[i][0].Bytes(),
			ExpAvg:   full[i][1].Bytes(),
			ExpAvgSq: full[i][2].Bytes(),
		}
	}
	return state, nil
}

// packStateShards converts one bucket's local state shards to
// float32: the current parameter values, then the two moment
// estimates. Packing runs on the bucket's pipeline stream. The
// optimizer lock must be held.
func (o *Optimizer) packStateShards(bucketID int) ([3]*buffer.Buffer, error) {
	bucket := o.buckets[bucketID]
	var shards [3]*buffer.Buffer
	for k := range shards {
		shards[k] = buffer.New(buffer.Float32, bucket.ShardSize)
	}
	ss := o.pool.Pipeline(bucketID)
	ss.Submit(func() error {
		buffer.Copy(shards[1], bucket.ExpAvgShard)
		buffer.Copy(shards[2], bucket.ExpAvgSqShard)
		switch {
		case o.opts.StoreParams:
			buffer.Copy(shards[0], bucket.ParamsShard)
		case o.opts.StoreParamRemainders:
			for _, fragment := range bucket.Fragments {
				if !fragment.InLocalShard {
					continue
				}
				param := o.groups[fragment.GroupID].Params[fragment.ParamID]
				sr, pr := fragment.ShardRange, fragment.ShardParamRange
				buffer.UnpackRemainder(
					shards[0].Slice(sr.Start, sr.End),
					param.Data.Slice(pr.Start, pr.End),
					bucket.ParamRemaindersShard.Slice(sr.Start, sr.End))
			}
		default:
			for _, fragment := range bucket.Fragments {
				if !fragment.InLocalShard {
					continue
				}
				param := o.groups[fragment.GroupID].Params[fragment.ParamID]
				sr, pr := fragment.ShardRange, fragment.ShardParamRange
				buffer.Copy(
					shards[0].Slice(sr.Start, sr.End),
					param.Data.Slice(pr.Start, pr.End))
			}
		}
		return nil
	})
	return shards, ss.Sync()
}

// LoadState restores the optimizer from a checkpoint, resharding it
// for the current configuration. Every rank must be given the same
// state; restoration is local and issues no collectives. Parameters
// are matched by name and restored to both the model and the local
// state shards.
func (o *Optimizer) LoadState(state *State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.initParamsLocked(nil); err != nil {
		return err
	}
	if err := o.finishGradSync(); err != nil {
		return err
	}
	if err := o.finishParamSync(); err != nil {
		return err
	}
	byName := make(map[string]*ParamState, len(state.Params))
	for i := range state.Params {
		byName[state.Params[i].Name] = &state.Params[i]
	}
	for _, ps := range o.params {
		param := ps.param
		entry, ok := byName[param.Name]
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("distadam: checkpoint has no state for parameter %q", param.Name))
		}
		n := param.Size()
		fullParam := buffer.New(buffer.Float32, n)
		fullAvg := buffer.New(buffer.Float32, n)
		fullSq := buffer.New(buffer.Float32, n)
		if err := fullParam.SetBytes(entry.Param); err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("distadam: bad checkpoint state for parameter %q", param.Name), err)
		}
		if err := fullAvg.SetBytes(entry.ExpAvg); err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("distadam: bad checkpoint state for parameter %q", param.Name), err)
		}
		if err := fullSq.SetBytes(entry.ExpAvgSq); err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("distadam: bad checkpoint state for parameter %q", param.Name), err)
		}
		buffer.Copy(param.Data, fullParam)
		for _, fragment := range ps.fragments {
			if !fragment.InLocalShard {
				continue
			}
			bucket := o.buckets[fragment.BucketID]
			sr, pr := fragment.ShardRange, fragment.ShardParamRange
			buffer.Copy(bucket.ExpAvgShard.Slice(sr.Start, sr.End), fullAvg.Slice(pr.Start, pr.End))
			buffer.Copy(bucket.ExpAvgSqShard.Slice(sr.Start, sr.End), fullSq.Slice(pr.Start, pr.End))
			switch {
			case o.opts.StoreParams:
				buffer.Copy(bucket.ParamsShard.Slice(sr.Start, sr.End), fullParam.Slice(pr.Start, pr.End))
			case o.opts.StoreParamRemainders:
				buffer.PackRemainder(
					param.Data.Slice(pr.Start, pr.End),
					bucket.ParamRemaindersShard.Slice(sr.Start, sr.End),
					fullParam.Slice(pr.Start, pr.End))
			}
		}
	}
	o.step = state.Step
	return nil
}

// localCheckpoint is the fast per-rank checkpoint format: the raw
// local shards, restorable only into an identically configured
// optimizer on the same rank.
type localCheckpoint struct {
	Config   localConfig
	Step     int
	Buckets  []localBucketState
	Checksum uint64
}

type localConfig struct {
	DistRank, DistSize, RedSize          int
	DType, GradSyncDType, ParamSyncDType string
	StoreParams, StoreParamRemainders    bool
	BucketSizes                          []int
}

type localBucketState struct {
	Params, ParamRemainders, ExpAvg, ExpAvgSq []byte
}

func (o *Optimizer) localConfig() localConfig {
	cfg := localConfig{
		DistRank:             o.distRank,
		DistSize:             o.distSize,
		RedSize:              o.redSize,
		DType:                o.opts.DType.String(),
		GradSyncDType:        o.opts.GradSyncDType.String(),
		ParamSyncDType:       o.opts.ParamSyncDType.String(),
		StoreParams:          o.opts.StoreParams,
		StoreParamRemainders: o.opts.StoreParamRemainders,
	}
	for _, bucket := range o.buckets {
		cfg.BucketSizes = append(cfg.BucketSizes, bucket.BucketSize)
	}
	return cfg
}

func (c localConfig) equal(d localConfig) bool {
	if len(c.BucketSizes) != len(d.BucketSizes) {
		return false
	}
	for i := range c.BucketSizes {
		if c.BucketSizes[i] != d.BucketSizes[i] {
			return false
		}
	}
	return c.DistRank == d.DistRank && c.DistSize == d.DistSize && c.RedSize == d.RedSize &&
		c.DType == d.DType && c.GradSyncDType == d.GradSyncDType && c.ParamSyncDType == d.ParamSyncDType &&
		c.StoreParams == d.StoreParams && c.StoreParamRemainders == d.StoreParamRemainders
}

func (s *localCheckpoint) checksum() uint64 {
	h := murmur3.New64()
	for _, b := range s.Buckets {
		h.Write(b.Params)
		h.Write(b.ParamRemainders)
		h.Write(b.ExpAvg)
		h.Write(b.ExpAvgSq)
	}
	return h.Sum64()
}

// LocalState returns this rank's raw shard state as an opaque blob.
// It is much cheaper than State but is restorable only by
// LoadLocalState on the same rank of an identically configured
// optimizer. It issues no collectives.
func (o *Optimizer) LocalState() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.initParamsLocked(nil); err != nil {
		return nil, err
	}
	if err := o.finishGradSync(); err != nil {
		return nil, err
	}
	if err := o.finishParamSync(); err != nil {
		return nil, err
	}
	ckpt := localCheckpoint{Config: o.localConfig(), Step: o.step}
	for _, bucket := range o.buckets {
		bs := localBucketState{
			ExpAvg:   bucket.ExpAvgShard.Bytes(),
			ExpAvgSq: bucket.ExpAvgSqShard.Bytes(),
		}
		if bucket.ParamsShard != nil {
			bs.Params = bucket.ParamsShard.Bytes()
		}
		if bucket.ParamRemaindersShard != nil {
			bs.ParamRemainders = bucket.ParamRemaindersShard.Bytes()
		}
		ckpt.Buckets = append(ckpt.Buckets, bs)
	}
	ckpt.Checksum = ckpt.checksum()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ckpt); err != nil {
		return nil, errors.E("distadam: encoding local checkpoint", err)
	}
	return buf.Bytes(), nil
}

// LoadLocalState restores shard state previously captured by
// LocalState. The optimizer's configuration must match the one that
// produced the blob.
func (o *Optimizer) LoadLocalState(p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.initParamsLocked(nil); err != nil {
		return err
	}
	var ckpt localCheckpoint
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&ckpt); err != nil {
		return errors.E(errors.Invalid, "distadam: decoding local checkpoint", err)
	}
	if got, want := ckpt.checksum(), ckpt.Checksum; got != want {
		return errors.E(errors.Integrity, fmt.Sprintf("distadam: local checkpoint corrupted: checksum %x, want %x", got, want))
	}
	if cfg := o.localConfig(); !ckpt.Config.equal(cfg) {
		return errors.E(errors.Invalid, fmt.Sprintf("distadam: local checkpoint configuration mismatch: %+v, want %+v", ckpt.Config, cfg))
	}
	if len(ckpt.Buckets) != len(o.buckets) {
		return errors.E(errors.Invalid, fmt.Sprintf("distadam: local checkpoint has %d buckets, want %d", len(ckpt.Buckets), len(o.buckets)))
	}
	for id, bucket := range o.buckets {
		bs := ckpt.Buckets[id]
		if err := bucket.ExpAvgShard.SetBytes(bs.ExpAvg); err != nil {
			return errors.E(errors.Invalid, "distadam: restoring local checkpoint", err)
		}
		if err := bucket.ExpAvgSqShard.SetBytes(bs.ExpAvgSq); err != nil {
			return errors.E(errors.Invalid, "distadam: restoring local checkpoint", err)
		}
		if bucket.ParamsShard != nil {
			if err := bucket.ParamsShard.SetBytes(bs.Params); err != nil {
				return errors.E(errors.Invalid, "distadam: restoring local checkpoint", err)
			}
		}
		if bucket.ParamRemaindersShard != nil {
			if err := bucket.ParamRemaindersShard.SetBytes(bs.ParamRemainders); err != nil {
				return errors.E(errors.Invalid, "distadam: restoring local checkpoint", err)
			}
		}
	}
	o.step = ckpt.Step
	return nil
}
