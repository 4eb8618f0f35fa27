// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package testutil holds test helpers shared by the audio diffusion packages.
package testutil

import (
	"os"
	"sync"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/require"
)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
	backendErr    error
)

// Backend returns the backend used by tests, created once and shared.
//
// It defaults to the pure Go backend, so tests run without any native dependencies, and it can be
// overridden with the GOMLX_BACKEND environment variable.
func Backend(t testing.TB) backends.Backend {
	backendOnce.Do(func() {
		config := simplego.BackendName
		if selected := os.Getenv(backends.ConfigEnvVar); selected != "" {
			config = selected
		}
		cachedBackend, backendErr = backends.NewWithConfig(config)
	})
	require.NoError(t, backendErr, "failed to create test backend")
	return cachedBackend
}

// SkipIfNoConvolutionGradient skips the test if the backend can't differentiate convolutions, which training the
// network requires. The pure Go backend lacks some of the ops the convolution gradient uses.
func SkipIfNoConvolutionGradient(t testing.TB, backend backends.Backend) {
	err := exceptions.TryCatch[error](func() {
		_ = CallOnce(backend, func(x *Node) *Node {
			kernel := Ones(x.Graph(), shapes.Make(x.DType(), 2, 1, 1))
			y := Convolve(x, kernel).Strides(1).NoPadding().Done()
			return Gradient(ReduceAllSum(y), x)[0]
		}, [][][]float32{{{1}, {2}, {3}, {4}}})
	})
	if err != nil {
		t.Skipf("backend %q can't differentiate convolutions: %v", backend.Name(), err)
	}
}
