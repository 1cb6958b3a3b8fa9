// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command xtreestore-bench measures Commit latency across the three
// durability modes and a range of batch sizes, mirroring the shape of the
// teacher's entrySize/batchSize benchmark matrix but driving a DurableStore
// through AllocateNode/PublishNode/Commit instead of raft's StoreLogs.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	xtreestore "github.com/lucenia/xtreestore"
	"github.com/lucenia/xtreestore/objtable"
)

var modeNames = map[xtreestore.DurabilityMode]string{
	xtreestore.ModeStrict:   "strict",
	xtreestore.ModeBalanced: "balanced",
	xtreestore.ModeEventual: "eventual",
}

func main() {
	var (
		dir        = flag.String("dir", "", "store directory (defaults to a temp dir)")
		iterations = flag.Int("n", 2000, "commits per (mode, batchSize) cell")
		nodeSize   = flag.Int("size", 256, "bytes per allocated node")
	)
	flag.Parse()

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "xtreestore-bench-*")
		if err != nil {
			fmt.Fprintln(os.Stderr, "mkdtemp:", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	batchSizes := []int{1, 10, 100}
	modes := []xtreestore.DurabilityMode{xtreestore.ModeStrict, xtreestore.ModeBalanced, xtreestore.ModeEventual}

	for _, mode := range modes {
		for _, batch := range batchSizes {
			runCell(*dir, mode, batch, *iterations, *nodeSize)
		}
	}
}

func runCell(parent string, mode xtreestore.DurabilityMode, batchSize, iterations, nodeSize int) {
	storeDir, err := os.MkdirTemp(parent, "cell-*")
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkdtemp:", err)
		return
	}
	defer os.RemoveAll(storeDir)

	store, err := xtreestore.Open(storeDir, xtreestore.WithDurabilityMode(mode))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		return
	}
	defer store.Close()

	hist := hdrhistogram.New(1, 10_000_000, 3)
	payload := make([]byte, nodeSize)

	for i := 0; i < iterations; i++ {
		start := time.Now()
		for j := 0; j < batchSize; j++ {
			id, buf, err := store.AllocateNode(objtable.KindLeaf, uint32(nodeSize))
			if err != nil {
				fmt.Fprintln(os.Stderr, "allocate:", err)
				return
			}
			copy(buf, payload)
			if err := store.PublishNode(id); err != nil {
				fmt.Fprintln(os.Stderr, "publish:", err)
				return
			}
		}
		if _, err := store.Commit(); err != nil {
			fmt.Fprintln(os.Stderr, "commit:", err)
			return
		}
		_ = hist.RecordValue(time.Since(start).Microseconds())
	}

	fmt.Printf("mode=%-8s batchSize=%-4d p50=%6dus p90=%6dus p99=%6dus max=%6dus\n",
		modeNames[mode], batchSize,
		hist.ValueAtQuantile(50), hist.ValueAtQuantile(90), hist.ValueAtQuantile(99), hist.Max())
}
