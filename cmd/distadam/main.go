// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command distadam runs a multi-rank training simulation against an
// in-process communication fabric. Each simulated rank runs on its
// own goroutine with its own optimizer instance; ranks produce
// deterministic synthetic gradients, step together, and the run is
// checked for cross-rank agreement at the end. It exists to exercise
// the engine end to end and to eyeball scaling behavior of the
// bucket/shard layout.
package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/alecthomas/kong"
	"github.com/distopt/distadam"
	"github.com/distopt/distadam/buffer"
	"github.com/distopt/distadam/comm"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

var cli struct {
	WorldSize int     `help:"Number of simulated ranks." default:"4"`
	Redundant int     `help:"Redundant replication factor; must divide the world size." default:"1"`
	Params    int     `help:"Number of model parameters." default:"8"`
	ParamSize int     `help:"Elements per parameter." default:"1000"`
	Steps     int     `help:"Optimizer steps to run." default:"10"`
	LR        float64 `help:"Learning rate." default:"1e-3"`
	BucketCap int     `help:"Bucket size in bytes." default:"4096"`
	Overlap   bool    `help:"Overlap gradient and parameter sync with compute." default:"true"`
	ClipNorm  float64 `help:"Clip the global gradient norm; 0 disables."`
	Seed      int64   `help:"Gradient noise seed." default:"1"`
}

func main() {
	must.Func = func(_ int, v ...interface{}) { log.Fatal(v...) }
	kong.Parse(&cli,
		kong.Name("distadam"),
		kong.Description("Simulate distributed Adam training over an in-process fabric."),
	)
	if cli.Redundant < 1 || cli.WorldSize%cli.Redundant != 0 {
		log.Fatalf("redundant factor %d does not divide world size %d", cli.Redundant, cli.WorldSize)
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	fabric := comm.NewFabric(cli.WorldSize)
	distSize := cli.WorldSize / cli.Redundant

	start := time.Now()
	sums := make([]uint64, cli.WorldSize)
	var group errgroup.Group
	for rank := 0; rank < cli.WorldSize; rank++ {
		rank := rank
		group.Go(func() error {
			sum, err := runRank(fabric, rank, distSize)
			sums[rank] = sum
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	for rank, sum := range sums {
		if sum != sums[0] {
			return fmt.Errorf("rank %d diverged: parameter digest %x, rank 0 has %x", rank, sum, sums[0])
		}
	}
	elems := cli.Params * cli.ParamSize
	log.Printf("%d ranks (%d-way sharded × %d redundant), %d steps over %s of parameters in %s: digest %x",
		cli.WorldSize, distSize, cli.Redundant, cli.Steps,
		data.Size(elems*4), time.Since(start), sums[0])
	return nil
}

// runRank drives one simulated rank and returns a digest of its final
// parameter values.
func runRank(fabric *comm.Fabric, rank, distSize int) (uint64, error) {
	distGroup, redGroup, err := grid(fabric, rank, distSize)
	if err != nil {
		return 0, err
	}
	params := make([]*distadam.Parameter, cli.Params)
	for i := range params {
		p := &distadam.Parameter{
			Name: fmt.Sprintf("param%d", i),
			Data: buffer.New(buffer.Float32, cli.ParamSize),
		}
		if rank == 0 {
			rng := rand.New(rand.NewSource(cli.Seed + int64(i)))
			for j := 0; j < cli.ParamSize; j++ {
				p.Data.SetFloat32(j, float32(rng.NormFloat64()))
			}
		}
		params[i] = p
	}
	opts := distadam.DefaultOptions()
	opts.LR = cli.LR
	opts.BucketCap = data.Size(cli.BucketCap)
	opts.ProcessGroup = fabric.World(rank)
	opts.DistributedGroup = distGroup
	opts.RedundantGroup = redGroup
	opts.OverlapGradSync = cli.Overlap
	opts.OverlapParamSync = cli.Overlap
	opt, err := distadam.New([]distadam.Group{{Params: params}}, opts)
	if err != nil {
		return 0, err
	}
	defer opt.Close()
	if cli.Overlap {
		if err := opt.InitParams(); err != nil {
			return 0, err
		}
	}
	if rank == 0 {
		layout, err := opt.Layout()
		if err != nil {
			return 0, err
		}
		log.Printf("%d buckets of %s shards, %.1f%% utilized",
			layout.Buckets, data.Size(layout.ShardSize*4), 100*layout.Utilization())
	}

	for step := 0; step < cli.Steps; step++ {
		// Backward order: gradients arrive last parameter first. The
		// noise depends on the rank so the reduction has real work to
		// do.
		for i := len(params) - 1; i >= 0; i-- {
			p := params[i]
			rng := rand.New(rand.NewSource(cli.Seed ^ int64(step)<<20 ^ int64(i)<<8 ^ int64(rank)))
			p.Grad = buffer.New(buffer.Float32, cli.ParamSize)
			for j := 0; j < cli.ParamSize; j++ {
				p.Grad.SetFloat32(j, p.Data.Float32(j)*0.1+float32(rng.NormFloat64())*0.01)
			}
			if err := opt.GradReady(p); err != nil {
				return 0, err
			}
		}
		if cli.ClipNorm > 0 {
			if _, err := opt.ClipGradNorm(cli.ClipNorm); err != nil {
				return 0, err
			}
		}
		if err := opt.Step(); err != nil {
			return 0, err
		}
		// Forward order: touch parameters first to last.
		for _, p := range params {
			if err := opt.WillRead(p); err != nil {
				return 0, err
			}
		}
		if err := opt.ZeroGrad(); err != nil {
			return 0, err
		}
	}

	h := murmur3.New64()
	for _, p := range params {
		h.Write(p.Data.Bytes())
	}
	return h.Sum64(), nil
}

// grid splits the fabric into a sharding × redundancy grid. Global
// rank r sits at redundant index r mod R; its sharding group runs
// across same-index ranks and its redundant group across the R ranks
// sharing its shard.
func grid(fabric *comm.Fabric, rank, distSize int) (dist, red comm.Group, err error) {
	r := cli.Redundant
	redIdx, distIdx := rank%r, rank/r
	distMembers := make([]int, distSize)
	for i := range distMembers {
		distMembers[i] = i*r + redIdx
	}
	dist, err = fabric.Subgroup(rank, distMembers)
	if err != nil {
		return nil, nil, err
	}
	if r == 1 {
		return dist, nil, nil
	}
	redMembers := make([]int, r)
	for j := range redMembers {
		redMembers[j] = distIdx*r + j
	}
	red, err = fabric.Subgroup(rank, redMembers)
	if err != nil {
		return nil, nil, err
	}
	return dist, red, nil
}
