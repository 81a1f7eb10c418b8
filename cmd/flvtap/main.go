// Copyright © 2021 Kris Nóva <kris@nivenly.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kris-nova/logger"
	"github.com/urfave/cli/v2"

	"github.com/nivenly/flvtap"
	"github.com/nivenly/flvtap/capture"
	"github.com/nivenly/flvtap/flv"
	"github.com/nivenly/flvtap/pcapsrc"
	"github.com/nivenly/flvtap/rtmp"
)

func main() {
	flvtap.PrintBanner()
	if err := run(os.Args); err != nil {
		logger.Critical("%v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

var (
	def = flvtap.DefaultConfig()

	ignoreMissing bool
	insertZeros   bool
	chunkSize     = uint(def.DefaultChunkSize)
	maxRoutingID  = uint(def.MaxRoutingID)
	port          = uint(def.Port)
	verbose       bool
	configFile    string
)

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "ignore-missing", Usage: "tolerate TCP sequence gaps instead of failing", Destination: &ignoreMissing},
		&cli.BoolFlag{Name: "insert-zeros", Usage: "zero-fill tolerated gaps instead of skipping them", Destination: &insertZeros},
		&cli.UintFlag{Name: "chunk-size", Usage: "initial RTMP chunk size", Value: chunkSize, Destination: &chunkSize},
		&cli.UintFlag{Name: "max-routing-id", Usage: "upper bound for accepted message stream IDs", Value: maxRoutingID, Destination: &maxRoutingID},
		&cli.UintFlag{Name: "port", Usage: "TCP source port selecting the half-flow", Value: port, Destination: &port},
		&cli.StringFlag{Name: "config", Usage: "optional YAML file supplying any of the above as an underlay beneath flags", Destination: &configFile},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "toggle verbose mode for logger", Destination: &verbose},
	}
}

func run(args []string) error {
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Aliases: []string{"V"}, Usage: "print the version"}

	app := &cli.App{
		Name:      "flvtap",
		Usage:     "Reconstruct an FLV file from an offline RTMP packet capture.",
		UsageText: "flvtap [options] <capture-file> <output.flv>",
		Version:   flvtap.Version,
		Flags:     flags(),
		Action:    action,
	}
	return app.Run(args)
}

func action(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: flvtap [options] <capture-file> <output.flv>")
	}

	cfg := def
	if configFile != "" {
		loaded, err := flvtap.LoadConfig(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	// Flags explicitly passed on the command line win over the config file.
	if c.IsSet("ignore-missing") {
		cfg.IgnoreMissing = ignoreMissing
	}
	if c.IsSet("insert-zeros") {
		cfg.InsertZeros = insertZeros
	}
	if c.IsSet("chunk-size") {
		cfg.DefaultChunkSize = uint32(chunkSize)
	}
	if c.IsSet("max-routing-id") {
		cfg.MaxRoutingID = uint32(maxRoutingID)
	}
	if c.IsSet("port") {
		cfg.Port = uint16(port)
	}
	if c.IsSet("verbose") {
		cfg.Verbose = verbose
	}

	if cfg.Verbose {
		logger.BitwiseLevel = logger.LogEverything
	} else {
		logger.BitwiseLevel = logger.LogAlways | logger.LogCritical | logger.LogWarning
	}

	inputPath := c.Args().Get(0)
	outputPath := c.Args().Get(1)

	policy := capture.PolicyStrict
	if cfg.IgnoreMissing {
		policy = capture.PolicyLenient
	}
	reasm := capture.NewReassembler(policy, cfg.InsertZeros)
	adapter := capture.NewAdapter(reasm)

	reader := pcapsrc.NewReader(pcapsrc.Filter{SrcPort: cfg.Port})
	ctx := context.Background()
	if err := reader.ReadFile(ctx, inputPath, adapter.Accept); err != nil {
		return fmt.Errorf("read capture: %w", err)
	}

	stream, err := reasm.Finalize()
	if err != nil {
		return fmt.Errorf("reassemble stream: %w", err)
	}
	logger.Debug("reassembled %d bytes from %s", stream.Len(), adapter.Flow())

	dec := rtmp.NewDecoder(stream.NewCursor(), rtmp.Config{
		ChunkSize:      cfg.DefaultChunkSize,
		MaxRoutingID:   cfg.MaxRoutingID,
		SalvageEnabled: cfg.InsertZeros,
	})

	w, err := flv.NewWriter(outputPath)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	m := flv.NewMuxer()
	if err := m.Run(dec, w); err != nil {
		return fmt.Errorf("mux stream: %w", err)
	}

	logger.Always("wrote %s (stream %q)", outputPath, m.StreamName())
	return nil
}
