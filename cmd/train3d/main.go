// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// train3d runs forward steps of a character-level names model sharded with 3D parallelism:
// tensor parallelism (--tp), fully sharded data parallelism (--dp) and a 3 stages pipeline.
//
// It requires tp * dp * 3 processes. By default they all run in this process, one goroutine per
// rank. To run one process per rank, give every process the same --peers list and its own --rank
// (or the PEERS and RANK environment variables):
//
//	train3d --dp=2 --peers=host0:7000,host0:7001,...,host2:7001 --rank=0
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/gomlx/parallelisms/ml/data"
	"github.com/gomlx/parallelisms/ml/parallel"
	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/gomlx/parallelisms/pkg/collective/grpcnet"
	"github.com/gomlx/parallelisms/pkg/collective/localnet"
	"github.com/gomlx/parallelisms/pkg/config"
	"github.com/gomlx/parallelisms/pkg/topology"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagTP  = flag.Int("tp", 1, "Tensor-parallel size.")
	flagDP  = flag.Int("dp", 1, "Data-parallel (FSDP) size.")
	flagSet = flag.String("set", "", "Set hyperparameters, e.g. \"global_batch_size=64;emb_size=32\". "+
		"Available:\n"+config.SettingsUsage())
	flagData  = flag.String("data", "", "File with one name per line. If empty the bundled names are used.")
	flagSteps = flag.Int("steps", 1, "Number of forward steps to evaluate, on consecutive batches.")

	flagPeers = flag.String("peers", "", "Comma-separated host:port of every rank, in world rank order. "+
		"If empty (and PEERS is not set), all ranks run in this process.")
	flagRank      = flag.Int("rank", -1, "World rank of this process, when using --peers. Defaults to $RANK.")
	flagWorldSize = flag.Int("world_size", 0, "Number of ranks to run in this process. Defaults to tp * dp * 3.")

	flagTopology = flag.Bool("topology", false, "Print the rank to (tp, dp, pp) mapping and the groups.")
	flagColor    = flag.String("color", "auto", "Colors in the tables: auto, always or never.")
	flagPlot     = flag.String("plot", "", "If set, world rank 0 saves a plot of the loss per step to this file (.png, .svg or .pdf).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	must.M(setColorMode(*flagColor))

	cfg := config.Default()
	cfg.TP, cfg.DP = *flagTP, *flagDP
	must.M(config.ParseSettings(&cfg, *flagSet))
	klog.V(1).Infof("%s", cfg)

	names := data.DefaultNames()
	if *flagData != "" {
		names = must.M1(data.LoadFile(*flagData))
	}
	ds := must.M1(parallel.TrainDataset(cfg, names))

	mesh, err := topology.NewMesh(cfg.TP, cfg.DP, config.PipelineSize)
	if err != nil {
		exitOnError(err)
	}
	if *flagTopology {
		fmt.Println(topologyTable(mesh))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	peers := peerList()
	if len(peers) == 0 {
		exitOnError(runLocal(ctx, cfg, mesh, ds))
	} else {
		exitOnError(runPeer(ctx, cfg, mesh, ds, peers))
	}
}

// peerList returns the --peers flag or the PEERS environment variable, split by commas.
func peerList() []string {
	peers := *flagPeers
	if peers == "" {
		peers = os.Getenv("PEERS")
	}
	if peers == "" {
		return nil
	}
	return strings.Split(peers, ",")
}

// worldRank returns the --rank flag or the RANK environment variable.
func worldRank() (int, error) {
	if *flagRank >= 0 {
		return *flagRank, nil
	}
	env := os.Getenv("RANK")
	if env == "" {
		return 0, errors.New("--rank (or RANK) is required with --peers")
	}
	rank, err := strconv.Atoi(env)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing RANK=%q", env)
	}
	return rank, nil
}

// runLocal runs every rank as a goroutine of this process.
func runLocal(ctx context.Context, cfg config.Config, mesh topology.Mesh, ds *data.Dataset) error {
	worldSize := cfg.WorldSize()
	if *flagWorldSize > 0 {
		worldSize = *flagWorldSize
	}
	losses := make([][]float32, worldSize)
	err := localnet.Run(ctx, worldSize, func(ctx context.Context, world *collective.Communicator) error {
		d, err := parallel.NewDriver(ctx, cfg, world, ds)
		if err != nil {
			return err
		}
		losses[world.Rank()], err = d.Run(ctx, *flagSteps)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Println(lossTable(mesh, losses))
	return maybePlot(losses[0])
}

// runPeer runs one rank, connected to the others with gRPC.
func runPeer(ctx context.Context, cfg config.Config, mesh topology.Mesh, ds *data.Dataset, peers []string) error {
	rank, err := worldRank()
	if err != nil {
		return err
	}
	transport, err := grpcnet.Listen(rank, peers)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()
	world := collective.World(transport)
	d, err := parallel.NewDriver(ctx, cfg, world, ds)
	if err != nil {
		return err
	}
	losses, err := d.Run(ctx, *flagSteps)
	if err != nil {
		return err
	}
	// Don't close the server while other ranks may still be sending to this one.
	if err := world.Barrier(ctx); err != nil {
		return err
	}
	if rank != 0 {
		return nil
	}
	fmt.Println(lossTable(mesh, [][]float32{losses}))
	return maybePlot(losses)
}

// maybePlot saves the losses to --plot, if set.
func maybePlot(losses []float32) error {
	if *flagPlot == "" {
		return nil
	}
	if err := plotLosses(losses, *flagPlot); err != nil {
		return err
	}
	klog.Infof("Loss plot saved to %q", *flagPlot)
	return nil
}

func exitOnError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, collective.ErrAborted) {
		klog.Errorf("aborted: %v", err)
	} else {
		klog.Errorf("%+v", err)
	}
	klog.Flush()
	os.Exit(1)
}
