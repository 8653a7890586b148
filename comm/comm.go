// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm defines the collective communication interface used by
// the distadam engine, together with an in-process fabric that
// implements it for tests and single-process simulation.
//
// The engine is written against the one stable interface below;
// differences between transport backends stay behind it and are never
// threaded through the engine. Collective failures are not retried:
// an error from any collective is a hard failure of the surrounding
// process group.
package comm

import "github.com/distopt/distadam/buffer"

// Op selects the reduction applied by reducing collectives.
type Op int

const (
	// Sum adds contributions element-wise.
	Sum Op = iota
	// Avg adds contributions element-wise and divides by the group
	// size.
	Avg
)

// String returns the op's name.
func (o Op) String() string {
	switch o {
	case Sum:
		return "sum"
	case Avg:
		return "avg"
	}
	return "op(?)"
}

// A Group is a set of ranks that perform collective operations
// together. Every method is a blocking collective: it returns after
// the operation has completed on the calling rank. Every rank in the
// group must issue the same collectives in the same order; the
// asynchronous forms below run on a caller-provided execution context
// and preserve that order per rank.
type Group interface {
	// Rank returns the calling process's rank within the group.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int

	// Broadcast copies buf from the root rank to every rank.
	Broadcast(buf *buffer.Buffer, root int) error
	// ReduceScatter reduces src (of length Size×dst.Len()) across all
	// ranks element-wise and leaves each rank's shard of the result
	// in dst.
	ReduceScatter(dst, src *buffer.Buffer, op Op) error
	// AllGather collects each rank's src shard into dst (of length
	// Size×src.Len()) on every rank, ordered by rank.
	AllGather(dst, src *buffer.Buffer) error
	// AllReduce reduces buf across all ranks element-wise, leaving
	// the result in buf on every rank.
	AllReduce(buf *buffer.Buffer, op Op) error
	// Gather collects each rank's src into dst on the root rank only.
	// dst must hold Size buffers on the root and is ignored
	// elsewhere.
	Gather(dst []*buffer.Buffer, src *buffer.Buffer, root int) error
}

// Work is the handle for a collective launched asynchronously.
type Work struct {
	c chan error
}

// Wait blocks until the collective completes and returns its error.
func (w Work) Wait() error { return <-w.c }

// Async runs f on its own goroutine and returns a Work handle for it.
// It is the non-blocking form of the collectives: for example,
//
//	w := comm.Async(func() error { return g.AllReduce(buf, comm.Sum) })
//
// Callers that need collectives ordered relative to each other should
// instead submit the blocking forms to a single stream.
func Async(f func() error) Work {
	w := Work{c: make(chan error, 1)}
	go func() { w.c <- f() }()
	return w
}
