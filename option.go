package payflow

import (
	"github.com/vitwit/payflow/events"
	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/metrics"
	"github.com/vitwit/payflow/orchestrator"
)

type Option func(*Payflow)

func WithLogger(l logger.Logger) Option {
	return func(p *Payflow) {
		p.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *Payflow) {
		p.metrics = r
	}
}

func WithEmitter(e events.Emitter) Option {
	return func(p *Payflow) {
		p.emitter = e
	}
}

func WithClock(c orchestrator.Clock) Option {
	return func(p *Payflow) {
		p.clock = c
	}
}
