// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/UpflowLabs/upflow/cmd"

func main() {
	cmd.Execute()
}
