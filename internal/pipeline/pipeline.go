// Package pipeline joins report signing and submission into one capability.
package pipeline

import (
	"context"

	"github.com/yourorg/crossyield-keeper/internal/model"
	"github.com/yourorg/crossyield-keeper/internal/report"
	"github.com/yourorg/crossyield-keeper/internal/types"
)

// ReportPipeline signs a report and submits it to one destination
type ReportPipeline interface {
	BuildAndSign(ctx context.Context, req report.Request) (report.SignedReport, error)
	Submit(ctx context.Context, dest types.ChainConfig, r report.SignedReport) model.WriteOutcome
}

// Submitter delivers a signed report to a chain
type Submitter interface {
	Submit(ctx context.Context, dest types.ChainConfig, r report.SignedReport) model.WriteOutcome
}

// Pipeline is the production ReportPipeline
type Pipeline struct {
	builder   *report.Builder
	submitter Submitter
}

var _ ReportPipeline = (*Pipeline)(nil)

// New creates a pipeline
func New(builder *report.Builder, submitter Submitter) *Pipeline {
	return &Pipeline{builder: builder, submitter: submitter}
}

// BuildAndSign implements ReportPipeline
func (p *Pipeline) BuildAndSign(ctx context.Context, req report.Request) (report.SignedReport, error) {
	return p.builder.Build(ctx, req)
}

// Submit implements ReportPipeline
func (p *Pipeline) Submit(ctx context.Context, dest types.ChainConfig, r report.SignedReport) model.WriteOutcome {
	return p.submitter.Submit(ctx, dest, r)
}

// Deliver builds, signs and submits one report. A build failure becomes a fatal
// outcome for that single write.
func Deliver(ctx context.Context, p ReportPipeline, dest types.ChainConfig, req report.Request) model.WriteOutcome {
	signed, err := p.BuildAndSign(ctx, req)
	if err != nil {
		return model.WriteOutcome{
			SourceChain: req.SourceChain,
			DestChain:   dest.Name,
			Kind:        req.Kind,
			TxStatus:    model.TxStatusFatal,
			Err:         err,
		}
	}
	return p.Submit(ctx, dest, signed)
}
