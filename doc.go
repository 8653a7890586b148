// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package distadam implements a distributed Adam optimizer whose state
is sharded across a group of ranks. Parameters are flattened and
packed into fixed-size buckets; each rank owns one shard of every
bucket and keeps only its shard of the moment estimates (and,
optionally, a full-precision master copy of the parameters). Gradients
are reduce-scattered so that each rank receives the fully reduced
values for its shard, each rank applies the Adam update to its shard
alone, and the updated parameters are all-gathered back.

The optimizer is driven by two callbacks from the training loop:
GradReady, called as each parameter's gradient is produced during the
backward pass, and WillRead, called before a parameter is used by the
next forward pass. With overlapping enabled, GradReady launches a
bucket's reduction as soon as all of its gradients are present, and
WillRead completes parameter gathers on demand, so communication hides
behind compute in both directions. All collectives are issued on a
single dedicated stream, which keeps their order identical on every
rank.

Communication goes through the comm.Group interface; comm.Fabric
provides an in-process implementation used by the tests and the
bundled simulator. The sharding group can be crossed with a redundant
group: ranks in the same redundant group hold identical shards, and
gradient reductions are followed by an all-reduce across it.

A minimal loop, with hooks wired to a model's backward and forward
passes, looks like:

	opt, err := distadam.New(groups, opts)
	...
	for batch := range batches {
		backward(batch, opt.GradReady)
		if _, err := opt.StepChecked(); err != nil {
			...
		}
		opt.ZeroGrad()
	}

State checkpoints come in two forms: State gathers the full optimizer
state to the root rank in a world-size-independent format, and
LocalState captures a rank's raw shards for fast restarts into an
identical configuration.
*/
package distadam
