// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// calink - Channel Access link tool
//
// Reads, writes and monitors process variables through an in-process
// simulator or a remote gateway, serves that gateway, and decodes Archiver
// Appliance PB files.

package main

import (
	"os"

	"github.com/Thermoquad/calink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
