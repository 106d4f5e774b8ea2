// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// xivm runs a compiled Xi module graph: it loads the entry .xibc file
// and everything it transitively references, runs every class
// constructor, invokes the entrypoint and exits with its return value.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xipotatonium/xivm/internal/log"
	"github.com/xipotatonium/xivm/internal/vm"
)

var (
	verbose     bool
	searchPaths []string
)

func run(cmd *cobra.Command, args []string) {
	logger := log.New(os.Stderr, verbose)
	loader, entry, err := vm.Load(args[0], vm.Options{
		SearchPaths: searchPaths,
		Logger:      logger,
	})
	if err != nil {
		logger.Errorf("loading %s: %v", args[0], err)
		os.Exit(1)
	}

	code, err := vm.Run(loader, entry)
	if err != nil {
		logger.Errorf("running %s: %v", entry.FullName, err)
		os.Exit(1)
	}
	os.Exit(int(code & 0xFF))
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "xivm",
		Short: "A bytecode virtual machine for the Xi language",
		Long:  "Loads compiled .xibc modules, links their cross-module references and interprets the entrypoint",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Long:  "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("You are using version 0.1.0")
		},
	}

	var runCmd = &cobra.Command{
		Use:   "run <entry.xibc>",
		Short: "Run a compiled module",
		Long:  "Loads the entry module and every module it references, then runs its entrypoint",
		Args:  cobra.ExactArgs(1),
		Run:   run,
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	runCmd.Flags().StringArrayVarP(&searchPaths, "search", "s", nil,
		"directory to search for external modules (repeatable)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
