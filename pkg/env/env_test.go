// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnsetEnvResolvesToLocal(t *testing.T) {
	assert.Equal(t, Local, Name())
	assert.True(t, IsLocal())
	assert.False(t, IsProduction())
	assert.False(t, IsTesting())
}
