// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command occupancy reports the launch configuration of maximal occupancy
// for a kernel footprint on a device profile.
//
// Usage:
//
//	occupancy -profile webgpu -sms 16 -regs 40 -n 1000000 -curve
//	occupancy -closure-size 512 -json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/gogpu/gputypes"

	guda "github.com/LynnColeArt/guda-launch"
	"github.com/LynnColeArt/guda-launch/closure"
	"github.com/LynnColeArt/guda-launch/occupancy"
	"github.com/LynnColeArt/guda-launch/probe"
)

type report struct {
	Device    string                    `json:"device"`
	Limits    occupancy.DeviceLimits    `json:"limits"`
	Footprint occupancy.KernelFootprint `json:"footprint"`
	Path      string                    `json:"path,omitempty"`
	Items     uint64                    `json:"items"`
	Config    occupancy.Config          `json:"config"`
	PerMP     int                       `json:"blocks_per_mp"`
	Occupancy float64                   `json:"occupancy"`
	Baseline  occupancy.Point           `json:"default_block"`
	Curve     []occupancy.Point         `json:"curve,omitempty"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("occupancy: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("occupancy", flag.ContinueOnError)
	var (
		profile      = fs.String("profile", "cpu", "Device profile: cpu, webgpu, webgpu-downlevel")
		sms          = fs.Int("sms", 0, "Override the multiprocessor count")
		warp         = fs.Int("warp", 0, "Override the warp size")
		regs         = fs.Int("regs", 0, "Registers per thread")
		staticSmem   = fs.Int("smem", 0, "Static shared memory per block in bytes")
		fnMaxThreads = fs.Int("fn-max-threads", 0, "Per-function block size limit")
		smemThread   = fs.Int("smem-per-thread", 0, "Dynamic shared memory per thread in bytes")
		closureSize  = fs.Int("closure-size", 0, "Estimate the footprint of a closure of this many bytes")
		n            = fs.Uint64("n", 1<<20, "Number of work items")
		showCurve    = fs.Bool("curve", false, "Print occupancy for every candidate block size")
		asJSON       = fs.Bool("json", false, "Write the report as JSON")
		showVersion  = fs.Bool("version", false, "Print the runtime version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		v, sum := guda.Version()
		if v == "" {
			v = "(devel)"
		}
		fmt.Fprintf(out, "guda-launch %s %s\n", v, sum)
		return nil
	}

	dev, err := deviceFor(*profile, *sms)
	if err != nil {
		return err
	}
	if *warp > 0 {
		dev.WarpSize = *warp
	}
	limits := probe.LimitsFromDevice(dev)

	fp := occupancy.KernelFootprint{
		RegistersPerThread: *regs,
		StaticSharedMem:    *staticSmem,
		MaxThreadsPerBlock: *fnMaxThreads,
	}
	r := report{Device: dev.Name, Limits: limits, Items: *n}
	if *closureSize > 0 {
		path := closure.PathFor(uintptr(*closureSize))
		fp = probe.FootprintFromAttributes(closure.EstimateAttributes(uintptr(*closureSize), path, dev.MaxRegistersPerThread))
		r.Path = path.Label()
	}
	r.Footprint = fp

	blockSize, err := occupancy.BlockSizeWithMaximalOccupancy(limits, fp, *smemThread)
	if err != nil {
		return err
	}
	smemBlock := *smemThread * blockSize
	numBlocks, err := occupancy.NumBlocksWithMaximalOccupancy(limits, fp, *n, blockSize, smemBlock)
	if err != nil {
		return err
	}
	r.Config = occupancy.Config{NumBlocks: numBlocks, BlockSize: blockSize, SharedMemBytes: smemBlock}
	r.PerMP = occupancy.MaxActiveBlocksPerMultiprocessor(limits, fp, blockSize, smemBlock)
	r.Occupancy = float64(r.PerMP*blockSize) / float64(limits.MaxThreadsPerMultiprocessor)
	r.Baseline = baseline(limits, fp, *smemThread)
	if *showCurve {
		r.Curve = occupancy.Curve(limits, fp, *smemThread)
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	printReport(out, r)
	return nil
}

// baseline is the occupancy of an untuned launch at guda.DefaultBlockSize,
// or the largest block the kernel allows if that is smaller.
func baseline(l occupancy.DeviceLimits, fp occupancy.KernelFootprint, smemPerThread int) occupancy.Point {
	bs := min(guda.DefaultBlockSize, l.MaxThreadsPerBlock)
	if fp.MaxThreadsPerBlock > 0 {
		bs = min(bs, fp.MaxThreadsPerBlock)
	}
	blocks := occupancy.MaxActiveBlocksPerMultiprocessor(l, fp, bs, smemPerThread*bs)
	return occupancy.Point{
		BlockSize:               bs,
		BlocksPerMultiprocessor: blocks,
		ActiveThreads:           blocks * bs,
		Occupancy:               float64(blocks*bs) / float64(l.MaxThreadsPerMultiprocessor),
	}
}

func deviceFor(profile string, sms int) (*guda.Device, error) {
	var dev *guda.Device
	switch profile {
	case "cpu":
		dev = guda.NewCPUDevice()
	case "webgpu":
		dev = probe.DeviceFromWebGPU("WebGPU", gputypes.DefaultLimits(), max(sms, 1))
	case "webgpu-downlevel":
		dev = probe.DeviceFromWebGPU("WebGPU (downlevel)", gputypes.DownlevelLimits(), max(sms, 1))
	default:
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
	if sms > 0 {
		dev.MultiprocessorCount = sms
	}
	return dev, nil
}

func printReport(out io.Writer, r report) {
	fmt.Fprintf(out, "=== Occupancy: %s ===\n", r.Device)
	fmt.Fprintf(out, "Multiprocessors: %d, warp: %d, max block: %d\n",
		r.Limits.MultiprocessorCount, r.Limits.WarpSize, r.Limits.MaxThreadsPerBlock)
	fmt.Fprintf(out, "Footprint: %d regs/thread, %d B static shared", r.Footprint.RegistersPerThread, r.Footprint.StaticSharedMem)
	if r.Path != "" {
		fmt.Fprintf(out, " (%s)", r.Path)
	}
	fmt.Fprintln(out)

	if len(r.Curve) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "block\tblocks/MP\tthreads/MP\toccupancy\t")
		for _, p := range r.Curve {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%.1f%%\t\n", p.BlockSize, p.BlocksPerMultiprocessor, p.ActiveThreads, 100*p.Occupancy)
		}
		tw.Flush()
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Items:      %d\n", r.Items)
	fmt.Fprintf(out, "Block size: %d (%d blocks/MP, %.1f%% occupancy)\n", r.Config.BlockSize, r.PerMP, 100*r.Occupancy)
	fmt.Fprintf(out, "Blocks:     %d\n", r.Config.NumBlocks)
	fmt.Fprintf(out, "Default block size %d: %.1f%% occupancy\n", r.Baseline.BlockSize, 100*r.Baseline.Occupancy)
	if r.Config.Threads() < r.Items {
		fmt.Fprintf(out, "Grid clamped to resident blocks; %d items per thread\n", occupancy.CeilDiv(r.Items, r.Config.Threads()))
	}
}
