// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"testing"

	"github.com/distopt/distadam/buffer"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// eachRank runs body once per rank of a fabric of the given size and
// waits for all of them.
func eachRank(t *testing.T, size int, body func(rank int, g Group) error) {
	t.Helper()
	f := NewFabric(size)
	var grp errgroup.Group
	for rank := 0; rank < size; rank++ {
		rank := rank
		grp.Go(func() error { return body(rank, f.World(rank)) })
	}
	require.NoError(t, grp.Wait())
}

func TestBroadcast(t *testing.T) {
	eachRank(t, 4, func(rank int, g Group) error {
		buf := buffer.New(buffer.Float32, 8)
		if rank == 1 {
			for i := 0; i < 8; i++ {
				buf.SetFloat32(i, float32(i)+0.5)
			}
		}
		if err := g.Broadcast(buf, 1); err != nil {
			return err
		}
		for i := 0; i < 8; i++ {
			require.Equal(t, float32(i)+0.5, buf.Float32(i), "rank %d element %d", rank, i)
		}
		return nil
	})
}

func TestReduceScatter(t *testing.T) {
	const size, shard = 4, 3
	for _, op := range []Op{Sum, Avg} {
		eachRank(t, size, func(rank int, g Group) error {
			src := buffer.New(buffer.Float32, size*shard)
			for i := 0; i < src.Len(); i++ {
				src.SetFloat32(i, float32(rank*100+i))
			}
			dst := buffer.New(buffer.Float32, shard)
			if err := g.ReduceScatter(dst, src, op); err != nil {
				return err
			}
			for i := 0; i < shard; i++ {
				// Sum over ranks r of r*100 + (rank*shard + i).
				want := float32(600 + size*(rank*shard+i))
				if op == Avg {
					want /= size
				}
				require.Equal(t, want, dst.Float32(i), "%s rank %d element %d", op, rank, i)
			}
			return nil
		})
	}
}

func TestAllGather(t *testing.T) {
	const size, shard = 3, 4
	eachRank(t, size, func(rank int, g Group) error {
		src := buffer.New(buffer.Float32, shard)
		for i := 0; i < shard; i++ {
			src.SetFloat32(i, float32(rank*10+i))
		}
		dst := buffer.New(buffer.Float32, size*shard)
		if err := g.AllGather(dst, src); err != nil {
			return err
		}
		for m := 0; m < size; m++ {
			for i := 0; i < shard; i++ {
				require.Equal(t, float32(m*10+i), dst.Float32(m*shard+i))
			}
		}
		return nil
	})
}

func TestAllReduce(t *testing.T) {
	eachRank(t, 4, func(rank int, g Group) error {
		buf := buffer.New(buffer.Float32, 2)
		buf.SetFloat32(0, float32(rank))
		buf.SetFloat32(1, 1)
		if err := g.AllReduce(buf, Sum); err != nil {
			return err
		}
		require.Equal(t, float32(6), buf.Float32(0))
		require.Equal(t, float32(4), buf.Float32(1))
		return nil
	})
}

func TestGather(t *testing.T) {
	const size = 3
	eachRank(t, size, func(rank int, g Group) error {
		src := buffer.New(buffer.Float32, 2)
		src.SetFloat32(0, float32(rank))
		src.SetFloat32(1, float32(-rank))
		var dst []*buffer.Buffer
		if rank == 0 {
			for i := 0; i < size; i++ {
				dst = append(dst, buffer.New(buffer.Float32, 2))
			}
		}
		if err := g.Gather(dst, src, 0); err != nil {
			return err
		}
		if rank == 0 {
			for m := 0; m < size; m++ {
				require.Equal(t, float32(m), dst[m].Float32(0))
				require.Equal(t, float32(-m), dst[m].Float32(1))
			}
		}
		return nil
	})
}

func TestSubgroups(t *testing.T) {
	// A 4-rank fabric arranged as a 2x2 grid: state sharded over
	// {0,1} and {2,3}, replicated over {0,2} and {1,3}.
	f := NewFabric(4)
	var grp errgroup.Group
	for rank := 0; rank < 4; rank++ {
		rank := rank
		grp.Go(func() error {
			var distMembers, redMembers []int
			if rank < 2 {
				distMembers = []int{0, 1}
			} else {
				distMembers = []int{2, 3}
			}
			if rank%2 == 0 {
				redMembers = []int{0, 2}
			} else {
				redMembers = []int{1, 3}
			}
			dist, err := f.Subgroup(rank, distMembers)
			if err != nil {
				return err
			}
			red, err := f.Subgroup(rank, redMembers)
			if err != nil {
				return err
			}
			buf := buffer.New(buffer.Float32, 1)
			buf.SetFloat32(0, float32(rank+1))
			if err := dist.AllReduce(buf, Sum); err != nil {
				return err
			}
			if err := red.AllReduce(buf, Sum); err != nil {
				return err
			}
			// Sum within the row, then within the column: every rank
			// ends with the global sum 1+2+3+4.
			require.Equal(t, float32(10), buf.Float32(0), "rank %d", rank)
			return nil
		})
	}
	require.NoError(t, grp.Wait())
}

func TestMismatchedCollectiveFails(t *testing.T) {
	f := NewFabric(2)
	var grp errgroup.Group
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		rank := rank
		grp.Go(func() error {
			g := f.World(rank)
			buf := buffer.New(buffer.Float32, 2)
			if rank == 0 {
				errs[0] = g.AllReduce(buf, Sum)
			} else {
				errs[1] = g.Broadcast(buf, 0)
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())
	require.Error(t, errs[0])
	require.Error(t, errs[1])
}

func TestAsync(t *testing.T) {
	eachRank(t, 2, func(rank int, g Group) error {
		buf := buffer.New(buffer.Float32, 1)
		buf.SetFloat32(0, 1)
		w := Async(func() error { return g.AllReduce(buf, Sum) })
		if err := w.Wait(); err != nil {
			return err
		}
		require.Equal(t, float32(2), buf.Float32(0))
		return nil
	})
}
