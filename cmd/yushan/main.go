// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// yushan trains and runs image classifiers:
//
//	yushan train [flags]     trains a model on the configured corpus, see -help for the flags.
//	yushan predict [flags]   classifies the images given with -input.
//	yushan preview [flags]   writes augmented renderings of one image, to inspect the pipeline.
//
// All commands read their configuration from YUSHAN_* environment variables, optionally from a
// ".env" file in the current directory (or the file named by YUSHAN_ENV_FILE), and then from flags.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/yushanml/yushan/pkg/config"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

type command struct {
	name, usage string
	run         func(args []string)
}

var commands = []command{
	{"train", "Trains a model on the configured corpus.", runTrain},
	{"predict", "Classifies images with a trained model.", runPredict},
	{"preview", "Writes augmented renderings of an image.", runPreview},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: yushan <command> [flags]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", cmd.name, cmd.usage)
	}
	fmt.Fprintf(os.Stderr, "\nUse \"yushan <command> -help\" for the flags of a command.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	idx := slices.IndexFunc(commands, func(c command) bool { return c.name == name })
	if idx == -1 {
		if name != "-help" && name != "--help" && name != "-h" {
			fmt.Fprintf(os.Stderr, "Unknown command %q.\n\n", name)
		}
		usage()
		os.Exit(2)
	}
	commands[idx].run(os.Args[2:])
}

// EnvFileVar names the environment file to load, if not ".env".
const EnvFileVar = config.EnvPrefix + "ENV_FILE"

// loadConfig reads the configuration from the environment and the optional environment file.
func loadConfig() *config.Config {
	envFile := os.Getenv(EnvFileVar)
	if envFile == "" && fsutil.MustFileExists(".env") {
		envFile = ".env"
	}
	return must.M1(config.Load(envFile))
}

// newFlagSet creates the flags of a command: klog's, the configuration's and the ones added by
// the caller before parsing.
func newFlagSet(name string, cfg *config.Config) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	klog.InitFlags(fs)
	cfg.RegisterFlags(fs)
	return fs
}

// parseFlags parses args and validates the configuration.
func parseFlags(fs *flag.FlagSet, cfg *config.Config, args []string) {
	must.M(fs.Parse(args))
	if fs.NArg() > 0 {
		klog.Exitf("unexpected arguments to %s: %s", fs.Name(), strings.Join(fs.Args(), " "))
	}
	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid configuration: %+v", err)
	}
}
