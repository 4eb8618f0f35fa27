// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Predictor executes the Network on concrete tensors, for inference. The weights are taken from ctx, and
// the graph is compiled once per input shape.
//
// It is safe for concurrent use: inference only reads the weights, and the calls are serialized by the Exec.
type Predictor struct {
	net     *Network
	ctx     *context.Context
	backend backends.Backend

	mu   sync.Mutex
	exec *context.Exec
}

// NewPredictor creates a Predictor for net, using the weights in ctx.
// Variables already in ctx (trained or loaded from a checkpoint) are used, and missing ones are initialized.
func NewPredictor(backend backends.Backend, ctx *context.Context, net *Network) *Predictor {
	return &Predictor{net: net, ctx: ctx.Checked(false), backend: backend}
}

// Predict returns the network prediction for signal, shaped `[batch_size, channels, length]`, and timestep,
// shaped `[batch_size]`. It returns an error if the shapes are invalid or the execution fails.
func (p *Predictor) Predict(signal, timestep *tensors.Tensor) (*tensors.Tensor, error) {
	if err := p.net.CheckShapes(signal.Shape(), timestep.Shape()); err != nil {
		return nil, err
	}
	exec, err := p.getExec()
	if err != nil {
		return nil, err
	}
	var output *tensors.Tensor
	var execErr error
	err = exceptions.TryCatch[error](func() {
		output, execErr = exec.Exec1(signal, timestep)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessage(err, "unet: failed to execute the network")
	}
	return output, nil
}

func (p *Predictor) getExec() (*context.Exec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exec != nil {
		return p.exec, nil
	}
	exec, err := context.NewExec(p.backend, p.ctx, func(ctx *context.Context, signal, timestep *Node) *Node {
		ctx.SetTraining(signal.Graph(), false)
		return p.net.Predict(ctx, signal, timestep)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "unet: failed to create the executor")
	}
	p.exec = exec
	return exec, nil
}
