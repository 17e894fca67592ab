// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fusion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/fusion/internal/adapter"
	"github.com/jeranaias/fusion/internal/agent"
	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/router"
)

// AgentModel is the result model id for agent delegation.
const AgentModel = "manus"

// AgentClient creates external agent tasks.
type AgentClient interface {
	CreateTask(ctx context.Context, apiKey, prompt string) (agent.Task, error)
}

// PhaseRecorder receives the wall time of every phase.
type PhaseRecorder interface {
	ObservePhase(phase string, d time.Duration)
}

// Input is one orchestration.
type Input struct {
	Mode   model.Mode
	Prompt string
	Models []string
	Master string

	Credentials        credentials.Set
	SystemInstructions string
	Memory             string
	History            []model.Message
}

// Output is the orchestration result.
type Output struct {
	Text      string
	Phases    model.Phases
	Exchanges []model.Exchange
	// Tokens sums every ModelResult in Phases, synthesis included.
	Tokens  int
	Refined bool
	// Answered reports whether Text holds a model's answer rather than a
	// failure report.
	Answered bool
}

// Orchestrator runs the multi-phase protocol.
type Orchestrator struct {
	caller      adapter.Caller
	images      adapter.ImageGenerator
	agent       AgentClient
	maxParallel int
	logger      *zap.Logger
	recorder    PhaseRecorder
}

// NewOrchestrator creates an orchestrator over caller.
func NewOrchestrator(caller adapter.Caller) *Orchestrator {
	return &Orchestrator{caller: caller, logger: zap.NewNop()}
}

// WithImages sets the image generator used by image mode.
func (o *Orchestrator) WithImages(g adapter.ImageGenerator) *Orchestrator {
	o.images = g
	return o
}

// WithAgent sets the agent client used by manus mode.
func (o *Orchestrator) WithAgent(a AgentClient) *Orchestrator {
	o.agent = a
	return o
}

// WithMaxParallel caps concurrent calls per phase; n <= 0 is unbounded.
func (o *Orchestrator) WithMaxParallel(n int) *Orchestrator {
	o.maxParallel = n
	return o
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(l *zap.Logger) *Orchestrator {
	if l != nil {
		o.logger = l
	}
	return o
}

// WithRecorder sets the phase recorder.
func (o *Orchestrator) WithRecorder(r PhaseRecorder) *Orchestrator {
	o.recorder = r
	return o
}

// Run executes in. It does not return an error: every failure is recorded in
// the phases and reflected in Text.
func (o *Orchestrator) Run(ctx context.Context, in Input) Output {
	switch in.Mode {
	case model.ModeManus:
		return o.runAgent(ctx, in)
	case model.ModeImage:
		return o.runImages(ctx, in)
	case model.ModeSolo:
		id := in.Master
		if id == "" && len(in.Models) > 0 {
			id = in.Models[0]
		}
		return o.runSingle(ctx, in, id)
	}
	if len(in.Models) == 1 {
		return o.runSingle(ctx, in, in.Models[0])
	}
	return o.runEnsemble(ctx, in)
}

// =============================================================================
// FAN-OUT
// =============================================================================

// fanOut runs one call per model id concurrently and waits for all of them.
// Each call writes only its own slot.
func (o *Orchestrator) fanOut(ctx context.Context, phase model.Phase, ids []string, call func(ctx context.Context, i int) model.ModelResult) []model.ModelResult {
	start := time.Now()
	n := len(ids)
	out := make([]model.ModelResult, n)
	var g errgroup.Group
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}
	for i := range n {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					out[i] = model.Failure(ids[i], phase, fmt.Errorf("panic: %v", p))
				}
			}()
			out[i] = call(ctx, i)
			return nil
		})
	}
	_ = g.Wait()

	if o.recorder != nil {
		o.recorder.ObservePhase(phase.String(), time.Since(start))
	}
	o.logger.Debug("phase_complete",
		zap.String("phase", phase.String()),
		zap.Int("calls", n),
		zap.Int("succeeded", len(model.Succeeded(out))),
		zap.Duration("duration", time.Since(start)))
	return out
}

func (o *Orchestrator) request(in Input, id string, phase model.Phase, prompt string, history bool) adapter.CallRequest {
	req := adapter.CallRequest{
		Model:              id,
		Phase:              phase,
		Prompt:             prompt,
		Credentials:        in.Credentials,
		SystemInstructions: in.SystemInstructions,
		Memory:             in.Memory,
	}
	if history {
		req.History = in.History
	}
	return req
}

// =============================================================================
// SINGLE MODEL
// =============================================================================

func (o *Orchestrator) runSingle(ctx context.Context, in Input, id string) Output {
	out := Output{Phases: model.NewPhases(), Exchanges: []model.Exchange{}}
	if id == "" {
		r := model.Failure("", model.PhaseInitial, model.ErrNoModels)
		out.Phases.Initial = []model.ModelResult{r}
		out.Text = failureText(r)
		return out
	}

	results := o.fanOut(ctx, model.PhaseInitial, []string{id}, func(ctx context.Context, _ int) model.ModelResult {
		return o.caller.Call(ctx, o.request(in, id, model.PhaseInitial, in.Prompt, true))
	})
	out.Phases.Initial = results
	out.Tokens = model.SumTokens(results)

	r := results[0]
	if r.OK() {
		out.Text = r.Content
		out.Answered = true
	} else {
		out.Text = failureText(r)
	}
	return out
}

// =============================================================================
// ENSEMBLE
// =============================================================================

func (o *Orchestrator) runEnsemble(ctx context.Context, in Input) Output {
	out := Output{Phases: model.NewPhases(), Exchanges: []model.Exchange{}}

	// Phase 1
	initial := o.fanOut(ctx, model.PhaseInitial, in.Models, func(ctx context.Context, i int) model.ModelResult {
		return o.caller.Call(ctx, o.request(in, in.Models[i], model.PhaseInitial, in.Prompt, true))
	})
	out.Phases.Initial = initial
	out.Tokens = model.SumTokens(initial)

	feeding := model.Succeeded(initial)
	if len(feeding) == 0 {
		out.Text = degradedText(initial)
		return out
	}

	if in.Mode == model.ModeSupernova && len(feeding) >= 2 {
		firsts := feeding

		// Phase 2
		cross := o.fanOut(ctx, model.PhaseCrossAnalysis, modelIDs(firsts), func(ctx context.Context, i int) model.ModelResult {
			own := firsts[i]
			peers := others(firsts, own.Model)
			r := o.caller.Call(ctx, o.request(in, own.Model, model.PhaseCrossAnalysis, CrossAnalysisPrompt(in.Prompt, own, peers), false))
			r.Peers = modelIDs(peers)
			return r
		})
		for _, critic := range cross {
			for _, peer := range critic.Peers {
				out.Exchanges = append(out.Exchanges, model.Exchange{From: peer, To: critic.Model, Kind: model.ExchangeCrossAnalysis})
			}
		}
		out.Phases.CrossAnalysis = cross
		out.Tokens += model.SumTokens(cross)

		critiques := model.Succeeded(cross)
		if len(critiques) > 0 {
			feeding = critiques
		}

		// Phase 3: only models with at least one critique from someone else.
		var eligible []model.ModelResult
		var peerCritiques [][]model.ModelResult
		for _, own := range firsts {
			if cs := others(critiques, own.Model); len(cs) > 0 {
				eligible = append(eligible, own)
				peerCritiques = append(peerCritiques, cs)
			}
		}
		if len(eligible) > 0 {
			refinement := o.fanOut(ctx, model.PhaseRefinement, modelIDs(eligible), func(ctx context.Context, i int) model.ModelResult {
				own := eligible[i]
				r := o.caller.Call(ctx, o.request(in, own.Model, model.PhaseRefinement, RefinementPrompt(in.Prompt, own, peerCritiques[i]), false))
				r.Peers = modelIDs(peerCritiques[i])
				return r
			})
			for _, r := range refinement {
				for _, critic := range r.Peers {
					out.Exchanges = append(out.Exchanges, model.Exchange{From: critic, To: r.Model, Kind: model.ExchangeRefinement})
				}
			}
			out.Phases.Refinement = refinement
			out.Tokens += model.SumTokens(refinement)
			out.Refined = true

			if refined := model.Succeeded(refinement); len(refined) > 0 {
				feeding = refined
			}
		}
	}

	// Phase 4
	o.synthesize(ctx, in, feeding, &out)
	return out
}

func (o *Orchestrator) synthesize(ctx context.Context, in Input, feeding []model.ModelResult, out *Output) {
	master := in.Master
	if master == "" {
		master = in.Models[0]
	}

	results := o.fanOut(ctx, model.PhaseSynthesis, []string{master}, func(ctx context.Context, _ int) model.ModelResult {
		return o.caller.Call(ctx, o.request(in, master, model.PhaseSynthesis, SynthesisPrompt(in.Prompt, feeding), true))
	})
	r := results[0]
	out.Tokens += r.Tokens
	out.Answered = true

	syn := &model.Synthesis{
		MasterModel: master,
		Content:     r.Content,
		Status:      r.Status,
		Error:       r.Error,
		Tokens:      r.Tokens,
	}
	out.Phases.Synthesis = syn

	if r.OK() {
		syn.FactCheck = ParseSummary(r.Content)
		out.Text = r.Content
		return
	}

	best := fallback(feeding, master)
	syn.FallbackFrom = best.Model
	out.Text = best.Content
	o.logger.Warn("synthesis_failed_using_fallback",
		zap.String("master_model", master),
		zap.String("fallback_model", best.Model),
		zap.String("error", r.Error))
}

// fallback picks the master's own answer, else the longest one.
func fallback(feeding []model.ModelResult, master string) model.ModelResult {
	best := feeding[0]
	for _, r := range feeding {
		if r.Model == master {
			return r
		}
		if len(r.Content) > len(best.Content) {
			best = r
		}
	}
	return best
}

func others(results []model.ModelResult, self string) []model.ModelResult {
	out := make([]model.ModelResult, 0, len(results))
	for _, r := range results {
		if r.Model != self {
			out = append(out, r)
		}
	}
	return out
}

func modelIDs(results []model.ModelResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Model
	}
	return ids
}

// =============================================================================
// IMAGE AND AGENT MODES
// =============================================================================

func (o *Orchestrator) runImages(ctx context.Context, in Input) Output {
	out := Output{Phases: model.NewPhases(), Exchanges: []model.Exchange{}}
	if o.images == nil {
		out.Text = "Image generation is not configured."
		return out
	}

	results := o.fanOut(ctx, model.PhaseInitial, in.Models, func(ctx context.Context, i int) model.ModelResult {
		return o.images.GenerateImage(ctx, in.Models[i], in.Prompt, in.Credentials)
	})
	out.Phases.Initial = results
	out.Tokens = model.SumTokens(results)

	var lines []string
	for _, r := range results {
		if r.OK() {
			lines = append(lines, r.Model+": "+r.Content)
		}
	}
	if len(lines) == 0 {
		out.Text = degradedText(results)
		return out
	}
	out.Text = strings.Join(lines, "\n")
	out.Answered = true
	return out
}

func (o *Orchestrator) runAgent(ctx context.Context, in Input) Output {
	out := Output{Phases: model.NewPhases(), Exchanges: []model.Exchange{}}

	var r model.ModelResult
	switch key := in.Credentials.Get(router.ProviderManus); {
	case o.agent == nil:
		r = model.Failure(AgentModel, model.PhaseInitial, errors.New("agent delegation is not configured"))
	case key == "":
		r = model.Failure(AgentModel, model.PhaseInitial, &router.MissingCredentialError{Model: AgentModel, Provider: router.ProviderManus})
	default:
		task, err := o.agent.CreateTask(ctx, key, in.Prompt)
		if err != nil {
			r = model.Failure(AgentModel, model.PhaseInitial, err)
		} else {
			r = model.Success(AgentModel, model.PhaseInitial, task.Summary(), 0)
		}
	}

	out.Phases.Initial = []model.ModelResult{r}
	if r.OK() {
		out.Text = r.Content
		out.Answered = true
	} else {
		out.Text = failureText(r)
	}
	return out
}
