// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package env reports which deployment environment the process runs
// in, read once from the ENV configuration key. An unset ENV resolves
// to Local so a bare `upflow` invocation behaves like a developer
// machine.
package env

import (
	"sync"

	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

var current = sync.OnceValue(func() string {
	if v := viper.GetString("ENV"); v != "" {
		return v
	}
	return Local
})

// Name returns the resolved environment name.
func Name() string { return current() }

func IsLocal() bool { return current() == Local }

func IsProduction() bool { return current() == Production }

func IsTesting() bool { return current() == Testing }
