// Package pipeline orders the checkers into layers and fuses their partial,
// sometimes disagreeing answers into one confidence-scored verdict.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"domainwatch/internal/checker"
	"domainwatch/internal/domain"
	"domainwatch/internal/platform/metrics"
)

// Confidence levels assigned at each decision point. Deeper layers override
// shallower ones, so these only ever increase along a pass.
const (
	confLayer1Taken    = 0.7
	confRDAPAvailable  = 0.85
	confRDAPTaken      = 0.9
	confWHOISTaken     = 0.95
	confWHOISBase      = 0.85
	confPerCorroborant = 0.05
	confCeiling        = 0.99
	confDNSOnly        = 0.6
)

// ResultSink receives every completed check result as it happens, before
// the verdict is fused. The monitor uses it to post per-check callbacks.
type ResultSink func(name string, res domain.CheckResult)

// Pipeline fuses layered checker output into a Verdict.
type Pipeline struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	layer1  []checker.Checker
	layer2  []checker.Checker
	layer3  []checker.Checker
	sink    ResultSink
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithResultSink wires the per-check result callback.
func WithResultSink(sink ResultSink) Option {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// New assembles the pipeline. Layer 1 holds the cheap oracles, layer 2 the
// registry data service, layer 3 the expensive port-43 lookup.
func New(layer1, layer2, layer3 []checker.Checker, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:  logger,
		metrics: m,
		layer1:  layer1,
		layer2:  layer2,
		layer3:  layer3,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate runs the layered check for one domain. prev is the domain's
// previous status: a previously-available domain that suddenly looks taken
// gets a layer 2 confirmation instead of a snap verdict. deep forces the
// full descent regardless of short-circuits (priority deep checks).
func (p *Pipeline) Evaluate(ctx context.Context, name string, prev domain.Status, deep bool) domain.Verdict {
	var contributing []domain.CheckResult

	l1 := p.runLayer(ctx, name, p.layer1)
	contributing = append(contributing, l1...)
	l1Signal := fuseLayer(l1)

	// A registered answer from the cheap layer settles it, unless the
	// domain previously looked available (confirm the flip) or a deep
	// check was requested.
	if l1Signal == domain.OutcomeRegistered && !prev.Available() && !deep {
		return p.verdict(domain.StatusLikelyTaken, confLayer1Taken, contributing)
	}

	l2 := p.runLayer(ctx, name, p.layer2)
	contributing = append(contributing, l2...)
	l2Signal := fuseLayer(l2)

	switch l2Signal {
	case domain.OutcomeRegistered:
		// Registry data beats whatever layer 1 said. A deep check still
		// descends to layer 3.
		if !deep {
			return p.verdict(domain.StatusLikelyTaken, confRDAPTaken, contributing)
		}
	case domain.OutcomeUnregistered:
		// Confirmed by the registry. Descend only for confirmation when
		// layer 1 agrees, or when a deep check was requested.
		if l1Signal != domain.OutcomeUnregistered && !deep {
			return p.verdict(domain.StatusLikelyAvailable, confRDAPAvailable, contributing)
		}
	}

	l3 := p.runLayer(ctx, name, p.layer3)
	contributing = append(contributing, l3...)
	l3Signal := fuseLayer(l3)

	switch l3Signal {
	case domain.OutcomeRegistered:
		return p.verdict(domain.StatusLikelyTaken, confWHOISTaken, contributing)
	case domain.OutcomeUnregistered:
		corroborators := 0
		if l1Signal == domain.OutcomeUnregistered {
			corroborators++
		}
		if l2Signal == domain.OutcomeUnregistered {
			corroborators++
		}
		if corroborators == 0 {
			// A confirmed verdict needs at least one shallower oracle
			// agreeing with the port-43 answer.
			return p.verdict(domain.StatusLikelyAvailable, confWHOISBase, contributing)
		}
		conf := confWHOISBase + confPerCorroborant*float64(corroborators)
		if conf > confCeiling {
			conf = confCeiling
		}
		return p.verdict(domain.StatusConfirmedAvailable, conf, contributing)
	}

	// Deep layers gave nothing; fall back on whatever shallow evidence
	// there is.
	switch {
	case l2Signal == domain.OutcomeRegistered:
		return p.verdict(domain.StatusLikelyTaken, confRDAPTaken, contributing)
	case l2Signal == domain.OutcomeUnregistered:
		return p.verdict(domain.StatusLikelyAvailable, confRDAPAvailable, contributing)
	case l1Signal == domain.OutcomeRegistered:
		return p.verdict(domain.StatusLikelyTaken, confLayer1Taken, contributing)
	case l1Signal == domain.OutcomeUnregistered:
		return p.verdict(domain.StatusLikelyAvailable, confDNSOnly, contributing)
	}

	return p.verdict(domain.StatusUnknown, 0, contributing)
}

// runLayer runs every checker in the layer concurrently and collects the
// results in checker order.
func (p *Pipeline) runLayer(ctx context.Context, name string, layer []checker.Checker) []domain.CheckResult {
	if len(layer) == 0 {
		return nil
	}
	results := make([]domain.CheckResult, len(layer))
	var wg sync.WaitGroup
	for i, c := range layer {
		wg.Add(1)
		go func(i int, c checker.Checker) {
			defer wg.Done()
			res := c.Check(ctx, name)
			results[i] = res
			p.metrics.RecordCheck(res.Kind, res.Outcome, time.Duration(res.DurationMS)*time.Millisecond)
			if p.sink != nil {
				p.sink(name, res)
			}
		}(i, c)
	}
	wg.Wait()
	return results
}

func (p *Pipeline) verdict(status domain.Status, confidence float64, contributing []domain.CheckResult) domain.Verdict {
	p.metrics.RecordVerdict(status)
	return domain.Verdict{Status: status, Confidence: confidence, Contributing: contributing}
}

// fuseLayer reduces one layer's results to a single signal. Conclusive
// answers that contradict each other downgrade the whole layer to
// inconclusive; agreement passes through.
func fuseLayer(results []domain.CheckResult) domain.Outcome {
	sawRegistered := false
	sawUnregistered := false
	for _, r := range results {
		switch r.Outcome {
		case domain.OutcomeRegistered:
			sawRegistered = true
		case domain.OutcomeUnregistered:
			sawUnregistered = true
		}
	}
	switch {
	case sawRegistered && sawUnregistered:
		return domain.OutcomeInconclusive
	case sawRegistered:
		return domain.OutcomeRegistered
	case sawUnregistered:
		return domain.OutcomeUnregistered
	}
	return domain.OutcomeInconclusive
}
