// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"fmt"
	"sync"

	"github.com/distopt/distadam/buffer"
	"github.com/grailbio/base/errors"
)

// A Fabric connects a fixed number of ranks within one process. Each
// rank runs on its own goroutine and obtains Group views from the
// fabric; collectives rendezvous in memory. The fabric matches
// collectives by arrival order per group, which is sound because
// every rank issues a group's collectives in the same order (the
// engine serializes them on its communication stream).
type Fabric struct {
	size int

	mu     sync.Mutex
	groups map[string]*groupState
}

// NewFabric creates a fabric with the given number of ranks.
func NewFabric(size int) *Fabric {
	return &Fabric{size: size, groups: make(map[string]*groupState)}
}

// Size returns the number of ranks in the fabric.
func (f *Fabric) Size() int { return f.size }

// World returns the full group as seen by the given rank.
func (f *Fabric) World(rank int) Group {
	members := make([]int, f.size)
	for i := range members {
		members[i] = i
	}
	g, err := f.Subgroup(rank, members)
	if err != nil {
		panic(err)
	}
	return g
}

// Subgroup returns the group consisting of the given global ranks, as
// seen by global rank rank. The caller's rank within the group is its
// index in members. Subgroups with identical member lists share
// rendezvous state, so each member must create its view with the same
// member ordering.
func (f *Fabric) Subgroup(rank int, members []int) (Group, error) {
	key := fmt.Sprint(members)
	groupRank := -1
	for i, m := range members {
		if m < 0 || m >= f.size {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("comm: member rank %d outside fabric of size %d", m, f.size))
		}
		if m == rank {
			groupRank = i
		}
	}
	if groupRank < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm: rank %d is not a member of group %v", rank, members))
	}
	f.mu.Lock()
	state, ok := f.groups[key]
	if !ok {
		state = &groupState{n: len(members)}
		state.cond = sync.NewCond(&state.mu)
		f.groups[key] = state
	}
	f.mu.Unlock()
	return &localGroup{state: state, rank: groupRank}, nil
}

type opKind int

const (
	kindBroadcast opKind = iota
	kindReduceScatter
	kindAllGather
	kindAllReduce
	kindGather
)

var kindNames = [...]string{
	kindBroadcast:     "broadcast",
	kindReduceScatter: "reduce-scatter",
	kindAllGather:     "all-gather",
	kindAllReduce:     "all-reduce",
	kindGather:        "gather",
}

func (k opKind) String() string { return kindNames[k] }

// groupState is the rendezvous state shared by all member views of
// one group.
type groupState struct {
	n    int
	mu   sync.Mutex
	cond *sync.Cond
	cur  *collective
}

// A collective is one in-flight operation. The last rank to arrive
// executes the data movement for every member and wakes the rest.
type collective struct {
	kind    opKind
	op      Op
	root    int
	entries []*collectiveEntry
	arrived int
	done    bool
	err     error
}

type collectiveEntry struct {
	src  *buffer.Buffer
	dst  *buffer.Buffer
	dsts []*buffer.Buffer
}

// localGroup is one rank's view of a group on a fabric.
type localGroup struct {
	state *groupState
	rank  int
}

func (g *localGroup) Rank() int { return g.rank }
func (g *localGroup) Size() int { return g.state.n }

func (g *localGroup) Broadcast(buf *buffer.Buffer, root int) error {
	return g.rendezvous(kindBroadcast, Sum, root, &collectiveEntry{src: buf, dst: buf})
}

func (g *localGroup) ReduceScatter(dst, src *buffer.Buffer, op Op) error {
	return g.rendezvous(kindReduceScatter, op, 0, &collectiveEntry{src: src, dst: dst})
}

func (g *localGroup) AllGather(dst, src *buffer.Buffer) error {
	return g.rendezvous(kindAllGather, Sum, 0, &collectiveEntry{src: src, dst: dst})
}

func (g *localGroup) AllReduce(buf *buffer.Buffer, op Op) error {
	return g.rendezvous(kindAllReduce, op, 0, &collectiveEntry{src: buf, dst: buf})
}

func (g *localGroup) Gather(dst []*buffer.Buffer, src *buffer.Buffer, root int) error {
	return g.rendezvous(kindGather, Sum, root, &collectiveEntry{src: src, dsts: dst})
}

// rendezvous joins (or begins) the group's current collective,
// verifies that every rank is issuing the same operation, and blocks
// until the last arrival has executed it.
func (g *localGroup) rendezvous(kind opKind, op Op, root int, e *collectiveEntry) error {
	s := g.state
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cur
	if c == nil {
		c = &collective{kind: kind, op: op, root: root, entries: make([]*collectiveEntry, s.n)}
		s.cur = c
	} else if c.kind != kind || c.op != op || c.root != root {
		err := errors.E(errors.Invalid, fmt.Sprintf(
			"comm: rank %d issued %s while group is in %s", g.rank, kind, c.kind))
		c.err = err
		c.done = true
		s.cur = nil
		s.cond.Broadcast()
		return err
	}
	if c.entries[g.rank] != nil {
		err := errors.E(errors.Invalid, fmt.Sprintf("comm: rank %d joined %s twice", g.rank, kind))
		c.err = err
		c.done = true
		s.cur = nil
		s.cond.Broadcast()
		return err
	}
	c.entries[g.rank] = e
	c.arrived++
	if c.arrived == s.n {
		c.err = execute(c, s.n)
		c.done = true
		s.cur = nil
		s.cond.Broadcast()
		return c.err
	}
	for !c.done {
		s.cond.Wait()
	}
	return c.err
}

// execute performs the data movement for a complete collective. It
// runs with the group lock held, on the goroutine of the last rank to
// arrive.
func execute(c *collective, n int) error {
	switch c.kind {
	case kindBroadcast:
		src := c.entries[c.root].src
		for r, e := range c.entries {
			if e.dst.Len() != src.Len() {
				return errors.E(errors.Invalid, fmt.Sprintf(
					"comm: broadcast length mismatch: rank %d has %d, root has %d", r, e.dst.Len(), src.Len()))
			}
		}
		for r, e := range c.entries {
			if r != c.root {
				buffer.Copy(e.dst, src)
			}
		}

	case kindReduceScatter:
		shard := c.entries[0].dst.Len()
		for r, e := range c.entries {
			if e.src.Len() != shard*n || e.dst.Len() != shard {
				return errors.E(errors.Invalid, fmt.Sprintf(
					"comm: reduce-scatter shape mismatch on rank %d: src %d, dst %d, want %d×%d",
					r, e.src.Len(), e.dst.Len(), n, shard))
			}
		}
		sum := reduceAll(c, shard*n, n)
		for r, e := range c.entries {
			for i := 0; i < shard; i++ {
				e.dst.SetFloat32(i, sum[r*shard+i])
			}
		}

	case kindAllGather:
		shard := c.entries[0].src.Len()
		for r, e := range c.entries {
			if e.src.Len() != shard || e.dst.Len() != shard*n {
				return errors.E(errors.Invalid, fmt.Sprintf(
					"comm: all-gather shape mismatch on rank %d: src %d, dst %d, want %d×%d",
					r, e.src.Len(), e.dst.Len(), n, shard))
			}
		}
		for _, e := range c.entries {
			for m, src := range c.entries {
				buffer.Copy(e.dst.Slice(m*shard, (m+1)*shard), src.src)
			}
		}

	case kindAllReduce:
		length := c.entries[0].src.Len()
		for r, e := range c.entries {
			if e.src.Len() != length {
				return errors.E(errors.Invalid, fmt.Sprintf(
					"comm: all-reduce length mismatch on rank %d: %d != %d", r, e.src.Len(), length))
			}
		}
		sum := reduceAll(c, length, n)
		for _, e := range c.entries {
			for i := 0; i < length; i++ {
				e.dst.SetFloat32(i, sum[i])
			}
		}

	case kindGather:
		root := c.entries[c.root]
		if len(root.dsts) != n {
			return errors.E(errors.Invalid, fmt.Sprintf(
				"comm: gather root expects %d destination buffers, has %d", n, len(root.dsts)))
		}
		for m, src := range c.entries {
			if root.dsts[m].Len() != src.src.Len() {
				return errors.E(errors.Invalid, fmt.Sprintf(
					"comm: gather length mismatch for rank %d: %d != %d", m, root.dsts[m].Len(), src.src.Len()))
			}
			buffer.Copy(root.dsts[m], src.src)
		}
	}
	return nil
}

// reduceAll sums every member's src element-wise in float32,
// averaging when the op asks for it.
func reduceAll(c *collective, length, n int) []float32 {
	sum := make([]float32, length)
	for _, e := range c.entries {
		for i := 0; i < length; i++ {
			sum[i] += e.src.Float32(i)
		}
	}
	if c.op == Avg {
		inv := 1 / float32(n)
		for i := range sum {
			sum[i] *= inv
		}
	}
	return sum
}
