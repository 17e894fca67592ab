// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package factcheck

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/fusion/internal/adapter"
	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/model"
	"github.com/jeranaias/fusion/internal/router"
)

// Phases tag fact-check calls in metrics.
const (
	PhaseGrounding model.Phase = "grounding"
	PhaseArbiter   model.Phase = "arbiter"
)

// Outcomes reported to the Recorder.
const (
	OutcomeVerified    = "verified"
	OutcomeUnavailable = "unavailable"
)

// Config bounds the pipeline.
type Config struct {
	// GroundingModel is preferred for Stage A; any grounding-capable model
	// is used when it is unknown.
	GroundingModel string
	MaxSources     int
	MaxExtract     int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{GroundingModel: "gemini-2.5-flash", MaxSources: 5, MaxExtract: 3}
}

// Recorder receives one outcome per Verify call.
type Recorder interface {
	ObserveFactCheck(outcome string)
}

// Request is the input to Verify.
type Request struct {
	Question    string
	Draft       string
	MasterModel string
	Credentials credentials.Set
}

// Result is the verified answer.
type Result struct {
	FinalText string
	Citations []model.Citation
	Verified  bool
	// Tokens counts grounding and arbiter calls.
	Tokens int
}

// Pipeline runs the four verification stages.
type Pipeline struct {
	caller    adapter.Caller
	registry  *router.Registry
	searcher  Searcher
	extractor PageExtractor
	cfg       Config
	logger    *zap.Logger
	recorder  Recorder
}

// New creates a pipeline. extractor may be nil to always use snippets.
func New(caller adapter.Caller, registry *router.Registry, searcher Searcher, extractor PageExtractor, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = def.MaxSources
	}
	if cfg.MaxExtract < 0 {
		cfg.MaxExtract = 0
	}
	return &Pipeline{
		caller:    caller,
		registry:  registry,
		searcher:  searcher,
		extractor: extractor,
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
}

// WithLogger sets the logger.
func (p *Pipeline) WithLogger(l *zap.Logger) *Pipeline {
	if l != nil {
		p.logger = l
	}
	return p
}

// WithRecorder sets the metrics recorder.
func (p *Pipeline) WithRecorder(r Recorder) *Pipeline {
	p.recorder = r
	return p
}

// Verify fact-checks req.Draft. It never fails; on any blocking problem
// the draft is returned with Verified false.
func (p *Pipeline) Verify(ctx context.Context, req Request) Result {
	res, err := p.verify(ctx, req)
	if err != nil {
		p.logger.Warn("fact_check_unavailable",
			zap.String("master_model", req.MasterModel),
			zap.Error(err))
		p.observe(OutcomeUnavailable)
		return Result{FinalText: req.Draft, Citations: []model.Citation{}, Tokens: res.Tokens}
	}
	p.observe(OutcomeVerified)
	return res
}

func (p *Pipeline) observe(outcome string) {
	if p.recorder != nil {
		p.recorder.ObserveFactCheck(outcome)
	}
}

func (p *Pipeline) verify(ctx context.Context, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fact-check panicked: %v", r)
		}
	}()

	if strings.TrimSpace(req.Draft) == "" {
		return res, fmt.Errorf("empty draft")
	}

	// Stage A: discovery and grounding.
	var sources []Source
	var groundedText string
	var groundTokens int
	var g errgroup.Group
	g.Go(func() error {
		sources = p.search(ctx, req)
		return nil
	})
	g.Go(func() error {
		groundedText, groundTokens = p.ground(ctx, req)
		return nil
	})
	_ = g.Wait()
	res.Tokens += groundTokens

	if len(sources) == 0 && groundedText == "" {
		return res, fmt.Errorf("no evidence sources and no grounded answer")
	}
	grounded := req.Draft
	if groundedText != "" {
		grounded = groundedText
	}

	// Stage B: extraction.
	p.extract(ctx, req, sources)

	// Stage C: adjudication.
	arbiter := p.caller.Call(ctx, adapter.CallRequest{
		Model:       req.MasterModel,
		Phase:       PhaseArbiter,
		Prompt:      ArbiterPrompt(req.Question, req.Draft, grounded, sources),
		Credentials: req.Credentials,
		Options:     adapter.Options{Temperature: 0.2},
	})
	res.Tokens += arbiter.Tokens
	if !arbiter.OK() {
		return res, fmt.Errorf("arbiter %s failed: %s", req.MasterModel, arbiter.Error)
	}
	text := StripSourcesSection(arbiter.Content)
	if text == "" {
		return res, fmt.Errorf("arbiter %s returned no text", req.MasterModel)
	}

	// Stage D: finalization.
	res.FinalText, res.Citations = Finalize(text, sources)
	res.Verified = true
	p.logger.Debug("fact_check_complete",
		zap.Int("sources", len(sources)),
		zap.Int("citations", len(res.Citations)),
		zap.Int("tokens", res.Tokens))
	return res, nil
}

// search returns up to MaxSources results, none on any failure.
func (p *Pipeline) search(ctx context.Context, req Request) []Source {
	key := req.Credentials.Get(router.ProviderSerper)
	if p.searcher == nil || key == "" {
		p.logger.Debug("fact_check_search_skipped")
		return nil
	}
	sources, err := p.searcher.Search(ctx, key, searchQuery(req.Question), p.cfg.MaxSources)
	if err != nil {
		p.logger.Warn("fact_check_search_failed", zap.Error(err))
		return nil
	}
	if len(sources) > p.cfg.MaxSources {
		sources = sources[:p.cfg.MaxSources]
	}
	return sources
}

// ground asks a grounding-capable model to re-verify the draft. It returns
// "" when no grounded text is available.
func (p *Pipeline) ground(ctx context.Context, req Request) (string, int) {
	if p.registry == nil {
		return "", 0
	}
	ms, ok := p.registry.GroundingModel(p.cfg.GroundingModel, req.Credentials)
	if !ok {
		p.logger.Debug("fact_check_grounding_unavailable", zap.String("preferred", p.cfg.GroundingModel))
		return "", 0
	}
	r := p.caller.Call(ctx, adapter.CallRequest{
		Model:       ms.ID,
		Phase:       PhaseGrounding,
		Prompt:      GroundingPrompt(req.Question, req.Draft),
		Credentials: req.Credentials,
		Options:     adapter.Options{Temperature: 0.1, Grounding: true},
	})
	if !r.OK() {
		p.logger.Warn("fact_check_grounding_failed", zap.String("model", ms.ID), zap.String("error", r.Error))
		return "", r.Tokens
	}
	return strings.TrimSpace(r.Content), r.Tokens
}

// extract fills Content for the top MaxExtract sources in place.
func (p *Pipeline) extract(ctx context.Context, req Request, sources []Source) {
	key := req.Credentials.Get(router.ProviderTavily)
	if p.extractor == nil || key == "" || p.cfg.MaxExtract == 0 {
		return
	}
	n := min(p.cfg.MaxExtract, len(sources))
	urls := make([]string, n)
	for i := range n {
		urls[i] = sources[i].URL
	}
	pages, err := p.extractor.Extract(ctx, key, urls)
	if err != nil {
		p.logger.Warn("fact_check_extract_failed", zap.Error(err))
		return
	}
	for i := range n {
		sources[i].Content = pages[sources[i].URL]
	}
}

func searchQuery(question string) string {
	q := strings.Join(strings.Fields(question), " ")
	if r := []rune(q); len(r) > 250 {
		q = string(r[:250])
	}
	return q
}
