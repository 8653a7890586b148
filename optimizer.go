// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distadam

import (
	"fmt"
	"sync"

	"github.com/distopt/distadam/buffer"
	"github.com/distopt/distadam/comm"
	"github.com/distopt/distadam/kernel"
	"github.com/distopt/distadam/stream"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
)

// A Parameter is one trainable tensor managed by the optimizer,
// flattened to a flat buffer. The training integration owns Data and
// Grad; the optimizer reads Grad when its gradient-ready trigger
// fires and writes Data when parameters are synchronized. A Parameter
// may belong to at most one Optimizer.
type Parameter struct {
	// Name identifies the parameter in logs and errors.
	Name string
	// Data holds the parameter's current values.
	Data *buffer.Buffer
	// Grad holds the parameter's gradient, or nil if none has been
	// produced. The optimizer sets Grad to nil after consuming it.
	Grad *buffer.Buffer

	// handle is 1+index into the owning optimizer's parameter arena;
	// 0 means unregistered.
	handle int
}

// Size returns the parameter's element count.
func (p *Parameter) Size() int { return p.Data.Len() }

// A Group is a set of parameters sharing one set of hyperparameters.
type Group struct {
	// Params are the group's parameters.
	Params []*Parameter
	// Hyperparams are the group's Adam hyperparameters. The zero
	// value means: use the defaults from Options.
	Hyperparams kernel.Hyperparams
}

// paramState is the optimizer's per-parameter record, stored in an
// arena indexed by the parameter's handle.
type paramState struct {
	param            *Parameter
	groupID, paramID int
	// fragments is nil until the parameter has been mapped into
	// buckets.
	fragments []*Fragment
}

// Options configures an Optimizer. Construct it with DefaultOptions
// and override fields as needed; a zero Options is not valid.
type Options struct {
	// LR, BiasCorrection, Betas, Eps and WeightDecay are the default
	// hyperparameters for groups that do not specify their own.
	LR             float64
	BiasCorrection bool
	Betas          [2]float64
	Eps            float64
	WeightDecay    float64
	// AdamW selects decoupled weight decay.
	AdamW bool
	// AMSGrad is not supported; setting it is a construction error.
	AMSGrad bool

	// DType is the storage precision of the optimizer state.
	// GradSyncDType and ParamSyncDType are the transfer precisions
	// for gradient reduction and parameter gather; each defaults to
	// DType.
	DType          buffer.DType
	GradSyncDType  buffer.DType
	ParamSyncDType buffer.DType

	// ProcessGroup is the full group of participating ranks. It is
	// interpreted as a grid of distributed size × redundant size.
	ProcessGroup comm.Group
	// DistributedGroup is the group over which optimizer state is
	// sharded; defaults to ProcessGroup.
	DistributedGroup comm.Group
	// RedundantGroup is the group over which the sharded state is
	// replicated; nil means no replication.
	RedundantGroup comm.Group

	// AverageGradSync selects average rather than sum reduction.
	AverageGradSync bool
	// OverlapGradSync launches gradient reduction opportunistically
	// from gradient-ready triggers.
	OverlapGradSync bool
	// OverlapParamSync launches parameter gathers opportunistically
	// from about-to-be-read triggers.
	OverlapParamSync bool

	// BucketCap is the bucket size target in bytes.
	BucketCap data.Size
	// PipelineSize is the number of in-flight pipelined transfers.
	PipelineSize int

	// ContiguousParamBuffer and ContiguousGradBuffer back parameter
	// and gradient buckets with one shared arena each.
	ContiguousParamBuffer bool
	ContiguousGradBuffer  bool

	// StoreParams keeps a full-precision shadow copy of parameters as
	// optimizer state. StoreParamRemainders instead keeps only the
	// 16 bits needed to reconstruct full precision from a bfloat16
	// model copy; it requires float32 state and bfloat16 parameter
	// sync. The two are mutually exclusive.
	StoreParams          bool
	StoreParamRemainders bool

	// Kernel is the numeric update kernel.
	Kernel kernel.Applier
}

// DefaultOptions returns the default optimizer configuration. The
// process group fields must still be set by the caller.
func DefaultOptions() Options {
	return Options{
		LR:              1e-3,
		BiasCorrection:  true,
		Betas:           [2]float64{0.9, 0.999},
		Eps:             1e-8,
		AdamW:           true,
		DType:           buffer.Float32,
		AverageGradSync: true,
		OverlapGradSync: true,
		BucketCap:       100 * data.MiB,
		PipelineSize:    2,
		StoreParams:     true,
		Kernel:          kernel.Reference{},
	}
}

// alignmentBytes is the transfer alignment target: fragment offsets
// within a bucket are rounded so buffer addresses stay friendly to
// caches and transport.
const alignmentBytes = 128

// An Optimizer is the sharded-state engine of a distributed Adam
// variant. Parameters are flattened, packed into fixed-size buckets,
// and each bucket's optimizer state is sharded over the distributed
// process group; gradient reduction and parameter gather are issued
// asynchronously on a dedicated communication stream so they overlap
// with compute.
type Optimizer struct {
	opts   Options
	groups []Group

	processGroup comm.Group
	distGroup    comm.Group
	redGroup     comm.Group
	distRank     int
	distSize     int
	redSize      int

	alignment        int
	defaultShardSize int

	pool *stream.Pool

	// mu guards all mutable engine state: the lazy per-parameter
	// initialization and the bucket-fill bookkeeping are driven by
	// gradient-ready callbacks whose order follows the backward
	// computation, not declaration order.
	mu sync.Mutex

	params        []*paramState
	buckets       []*StateBucket
	step          int
	gradsBuckets  map[int]*GradientBucket
	paramsBuckets map[int]*ParameterBucket
	paramsOrder   []int

	paramBuffer *buffer.Buffer
	gradBuffer  *buffer.Buffer

	gradScale float64
	gradNorm  float64
	hasNorm   bool

	greedyGradCopy    bool
	overlapGradSync   bool
	warnedUtilization bool
}

// New creates an optimizer for the given parameter groups. All
// configuration validation happens here, before any state is built;
// parameter values are then broadcast from the process group's root
// so every rank starts from identical values.
func New(groups []Group, opts Options) (*Optimizer, error) {
	if opts.AMSGrad {
		return nil, errors.E(errors.Invalid, "distadam: the AMSGrad variant is not supported")
	}
	if opts.GradSyncDType == 0 {
		opts.GradSyncDType = opts.DType
	}
	if opts.ParamSyncDType == 0 {
		opts.ParamSyncDType = opts.DType
	}
	for _, dt := range []buffer.DType{opts.DType, opts.GradSyncDType, opts.ParamSyncDType} {
		switch dt {
		case buffer.Float32, buffer.Float16, buffer.BFloat16:
		default:
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"distadam: unsupported dtypes (dtype=%s, grad_sync=%s, param_sync=%s)",
				opts.DType, opts.GradSyncDType, opts.ParamSyncDType))
		}
	}
	if opts.StoreParamRemainders {
		if opts.StoreParams {
			return nil, errors.E(errors.Invalid,
				"distadam: store_params and store_param_remainders are mutually exclusive")
		}
		if opts.DType != buffer.Float32 || opts.ParamSyncDType != buffer.BFloat16 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"distadam: storing parameter remainders requires float32 state and bfloat16 parameter sync (dtype=%s, param_sync=%s)",
				opts.DType, opts.ParamSyncDType))
		}
	}
	if opts.ProcessGroup == nil {
		return nil, errors.E(errors.Invalid, "distadam: no process group configured")
	}
	if opts.DistributedGroup == nil {
		opts.DistributedGroup = opts.ProcessGroup
	}
	redSize := 1
	if opts.RedundantGroup != nil {
		redSize = opts.RedundantGroup.Size()
	}
	if opts.ProcessGroup.Size() != opts.DistributedGroup.Size()*redSize {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"distadam: invalid process group configuration (process group size %d != distributed size %d × redundant size %d)",
			opts.ProcessGroup.Size(), opts.DistributedGroup.Size(), redSize))
	}
	if opts.PipelineSize < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("distadam: invalid pipeline size %d", opts.PipelineSize))
	}
	if opts.Kernel == nil {
		return nil, errors.E(errors.Invalid, "distadam: no update kernel configured")
	}

	o := &Optimizer{
		opts:            opts,
		groups:          groups,
		processGroup:    opts.ProcessGroup,
		distGroup:       opts.DistributedGroup,
		redGroup:        opts.RedundantGroup,
		distRank:        opts.DistributedGroup.Rank(),
		distSize:        opts.DistributedGroup.Size(),
		redSize:         redSize,
		pool:            stream.NewPool(opts.PipelineSize),
		gradsBuckets:    make(map[int]*GradientBucket),
		paramsBuckets:   make(map[int]*ParameterBucket),
		gradScale:       1,
		greedyGradCopy:  true,
		overlapGradSync: opts.OverlapGradSync,
	}

	// The shard size target derives from the gradient transfer dtype:
	// bucket capacity in elements, split over the distributed group
	// and rounded down to the alignment unit.
	dtypeSize := opts.GradSyncDType.Size()
	o.alignment = alignmentBytes / dtypeSize
	bucketSize := int(opts.BucketCap) / dtypeSize
	shardSize := roundToMultiple(bucketSize/o.distSize, o.alignment, false)
	o.defaultShardSize = max(shardSize, o.alignment)

	// Register parameters in the arena, assigning stable handles.
	for groupID := range groups {
		for paramID, param := range groups[groupID].Params {
			if param.handle != 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf(
					"distadam: parameter %q is already managed by an optimizer", param.Name))
			}
			if param.Data == nil || param.Data.Len() == 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("distadam: parameter %q has no data", param.Name))
			}
			o.params = append(o.params, &paramState{param: param, groupID: groupID, paramID: paramID})
			param.handle = len(o.params)
		}
	}

	if err := o.broadcastParams(); err != nil {
		return nil, err
	}
	return o, nil
}

// broadcastParams copies parameter values from the root rank so all
// ranks agree before the first step. Broadcasts are serialized on the
// communication stream to keep the collective order identical on
// every rank.
func (o *Optimizer) broadcastParams() error {
	cs := o.pool.Comm()
	for _, ps := range o.params {
		param := ps.param
		cs.Submit(func() error {
			return o.processGroup.Broadcast(param.Data, 0)
		})
	}
	return cs.Sync()
}

// Close releases the optimizer's streams. The optimizer must not be
// used afterwards.
func (o *Optimizer) Close() {
	o.pool.Close()
}

// Parameters returns all registered parameters in registration order.
func (o *Optimizer) Parameters() []*Parameter {
	params := make([]*Parameter, len(o.params))
	for i, ps := range o.params {
		params[i] = ps.param
	}
	return params
}

// StepCount returns the number of optimizer steps applied so far.
func (o *Optimizer) StepCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step
}

// hyperparams returns the effective hyperparameters for a group.
func (o *Optimizer) hyperparams(groupID int) kernel.Hyperparams {
	hp := o.groups[groupID].Hyperparams
	if hp == (kernel.Hyperparams{}) {
		hp = kernel.Hyperparams{
			LR:             o.opts.LR,
			Beta1:          o.opts.Betas[0],
			Beta2:          o.opts.Betas[1],
			Eps:            o.opts.Eps,
			WeightDecay:    o.opts.WeightDecay,
			BiasCorrection: o.opts.BiasCorrection,
		}
	}
	return hp
}

// lookup resolves a parameter to its arena record.
func (o *Optimizer) lookup(param *Parameter) (*paramState, error) {
	if param.handle < 1 || param.handle > len(o.params) || o.params[param.handle-1].param != param {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"distadam: parameter %q is not managed by this optimizer", param.Name))
	}
	return o.params[param.handle-1], nil
}

// NoSync runs f with overlapped gradient synchronization disabled:
// gradients produced inside f are neither copied to buckets eagerly
// nor reduced until GradSync or Step is called. It is used to
// accumulate over multiple backward passes.
func (o *Optimizer) NoSync(f func()) {
	o.mu.Lock()
	savedGreedy, savedOverlap := o.greedyGradCopy, o.overlapGradSync
	o.greedyGradCopy, o.overlapGradSync = false, false
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.greedyGradCopy, o.overlapGradSync = savedGreedy, savedOverlap
		o.mu.Unlock()
	}()
	f()
}

// InitParamBuffer allocates the shared contiguous parameter arena and
// turns every parameter's storage into a view of it. To minimize
// memory overhead it should be called before the first step.
func (o *Optimizer) InitParamBuffer() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opts.ContiguousParamBuffer = true
	if err := o.initParamsLocked(nil); err != nil {
		return err
	}
	if o.paramBuffer != nil {
		return nil
	}
	o.paramBuffer = buffer.New(o.opts.ParamSyncDType, o.arenaSize())
	for _, ps := range o.params {
		param := ps.param
		view, err := o.arenaView(o.paramBuffer, ps)
		if err != nil {
			return err
		}
		if view.DType() != param.Data.DType() {
			return errors.E(errors.Invalid, fmt.Sprintf(
				"distadam: cannot view parameter %q (%s) in a %s arena",
				param.Name, param.Data.DType(), view.DType()))
		}
		buffer.Copy(view, param.Data)
		param.Data = view
	}
	return nil
}

// initGradBuffer allocates the shared contiguous gradient arena. The
// optimizer lock must be held.
func (o *Optimizer) initGradBuffer() error {
	if err := o.initParamsLocked(nil); err != nil {
		return err
	}
	if o.gradBuffer == nil {
		o.gradBuffer = buffer.New(o.opts.GradSyncDType, o.arenaSize())
	}
	return nil
}

// arenaSize returns the element size of the shared contiguous arenas.
// The optimizer lock must be held and all parameters initialized.
func (o *Optimizer) arenaSize() int {
	var size int
	for _, bucket := range o.buckets {
		if end := bucket.ContiguousBufferOffset + bucket.BucketSize; end > size {
			size = end
		}
	}
	return size
}

// arenaView returns the contiguous arena range corresponding to a
// parameter. A parameter's fragments are adjacent in the arena, so
// the view starts at its first fragment and spans the whole
// parameter.
func (o *Optimizer) arenaView(arena *buffer.Buffer, ps *paramState) (*buffer.Buffer, error) {
	if len(ps.fragments) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"distadam: parameter %q has not been initialized", ps.param.Name))
	}
	fragment := ps.fragments[0]
	start := o.buckets[fragment.BucketID].ContiguousBufferOffset + fragment.BucketRange.Start
	return arena.Slice(start, start+ps.param.Size()), nil
}

// GradBufferView returns the view of the shared contiguous gradient
// arena that corresponds to the given parameter. It requires the
// contiguous gradient buffer option.
func (o *Optimizer) GradBufferView(param *Parameter) (*buffer.Buffer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.opts.ContiguousGradBuffer {
		return nil, errors.E(errors.Invalid, "distadam: contiguous gradient buffer is not enabled")
	}
	if o.gradBuffer == nil {
		if err := o.initGradBuffer(); err != nil {
			return nil, err
		}
	}
	ps, err := o.lookup(param)
	if err != nil {
		return nil, err
	}
	return o.arenaView(o.gradBuffer, ps)
}
