// Copyright 2024 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/cloudwego/buddyarena/internal/replay"
	"github.com/cloudwego/buddyarena/unsafex/malloc"
)

const (
	usage = `buddy arena replay tool

Runs an allocation script against a fixed buddy arena and prints the
result of every operation. The script is read from the file given as the
only argument, or from stdin when it is absent or "-".

Script commands, one per line ('#' starts a comment):
   alloc <bytes>    allocate; successful allocations are numbered from 0
   free <index>     release the allocation with that number
   free-list        list free blocks
   alloc-list       list allocated blocks
   stats            print usage statistics
   check            verify the block chain
   reset            drop all allocations`
)

// Populated at build time.
var (
	version  string
	commitId string
)

func main() {
	app := cli.NewApp()
	app.Name = "buddyreplay"
	app.Usage = usage
	app.Version = version
	app.ArgsUsage = "[script]"

	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "arena-size",
			Value: malloc.DefaultCapacity,
			Usage: "arena size in bytes; must be a power of two",
		},
		cli.IntFlag{
			Name:  "min-block",
			Value: malloc.DefaultMinBlockSize,
			Usage: "minimum block size in bytes; must be a power of two",
		},
		cli.StringFlag{
			Name:  "coalesce",
			Value: "buddy",
			Usage: "coalesce policy; buddy (merge true buddies to a fixpoint) or chain (single pass over equal-size neighbours)",
		},
		cli.BoolFlag{
			Name:  "pooled",
			Usage: "take the arena from the shared byte-slice pool instead of a fresh allocation",
		},
		cli.StringFlag{
			Name:  "format",
			Value: "text",
			Usage: "output format; must be text or json",
		},
		cli.BoolFlag{
			Name:  "trace",
			Usage: "log every split, merge, allocate and release at debug level",
		},
		cli.StringFlag{
			Name:  "log, l",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text (default = text)",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("buddyreplay\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n",
			c.App.Version, commitId)
	}

	app.Before = setupLogging
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func setupLogging(ctx *cli.Context) error {
	if path := ctx.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		logrus.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
	}

	if logFormat := ctx.GlobalString("log-format"); logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	}

	switch logLevel := ctx.GlobalString("log-level"); logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info", "":
		logrus.SetLevel(logrus.InfoLevel)
	case "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	default:
		return fmt.Errorf("'%v' log-level option not recognized", logLevel)
	}
	return nil
}

func run(ctx *cli.Context) error {
	prof, err := runProfiler(ctx)
	if err != nil {
		return err
	}
	if prof != nil {
		defer prof.Stop()
	}

	opt, format, err := parseOptions(ctx)
	if err != nil {
		return err
	}

	ops, err := readScript(ctx.Args().First())
	if err != nil {
		return err
	}

	a, err := malloc.NewAllocator(opt)
	if err != nil {
		return fmt.Errorf("failed to create allocator: %v", err)
	}
	defer a.Close()

	logrus.Debugf("Replaying %d operations on a %d-byte arena (coalesce=%s)", len(ops), a.Capacity(), opt.Coalesce)
	res, err := replay.NewRunner(a, os.Stdout, format, logrus.StandardLogger()).Run(ops)
	if err != nil {
		return err
	}
	if res.Failures > 0 {
		logrus.Infof("%d of %d operations failed", res.Failures, res.Ops)
	}
	return nil
}

func parseOptions(ctx *cli.Context) (*malloc.Option, replay.Format, error) {
	policy, err := malloc.ParseCoalescePolicy(ctx.String("coalesce"))
	if err != nil {
		return nil, 0, err
	}
	format, err := replay.ParseFormat(ctx.String("format"))
	if err != nil {
		return nil, 0, err
	}
	opt := malloc.DefaultOption()
	opt.Capacity = ctx.Int("arena-size")
	opt.MinBlockSize = ctx.Int("min-block")
	opt.Coalesce = policy
	opt.Pooled = ctx.Bool("pooled")
	if ctx.Bool("trace") {
		opt.Logger = logrus.StandardLogger()
	}
	return opt, format, nil
}

func readScript(path string) ([]replay.Op, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	ops, err := replay.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	return ops, nil
}

// Run cpu / memory profiling collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	// pprof can't collect both at once.
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}

	switch {
	case cpuProfOn:
		logrus.Info("Initiated cpu-profiling data collection.")
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	case memProfOn:
		logrus.Info("Initiated memory-profiling data collection.")
		return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return nil, nil
}
