package resilience

import (
	"context"
	"fmt"

	"docpipe/internal/processor"
)

// Chain tries processors in priority order and returns the first success.
// When every processor fails, the failed outcome aggregates each member's
// errors. Typical use: multiple parsing backends registered for one format.
type Chain struct {
	name    string
	members []processor.Processor
}

// NewChain builds a chain over the given processors, highest priority first.
func NewChain(name string, members ...processor.Processor) *Chain {
	return &Chain{name: name, members: members}
}

// Describe synthesizes a descriptor covering the union of member formats.
func (c *Chain) Describe() processor.Descriptor {
	desc := processor.Descriptor{Name: c.name, Version: "chain"}
	seen := make(map[string]struct{})
	for _, member := range c.members {
		for _, format := range member.Describe().Formats {
			if _, ok := seen[format]; ok {
				continue
			}
			seen[format] = struct{}{}
			desc.Formats = append(desc.Formats, format)
		}
	}
	return desc
}

// Process tries each member in order until one succeeds.
func (c *Chain) Process(ctx context.Context, pc *processor.Context) (processor.Outcome, error) {
	if len(c.members) == 0 {
		return processor.Failf("chain %s has no processors", c.name), nil
	}

	var aggregated []string
	for _, member := range c.members {
		if ctx.Err() != nil {
			aggregated = append(aggregated, fmt.Sprintf("chain aborted: %v", ctx.Err()))
			break
		}
		outcome, err := member.Process(ctx, pc)
		if err != nil {
			aggregated = append(aggregated, fmt.Sprintf("%s: %v", member.Describe().Name, err))
			continue
		}
		if outcome.Succeeded() {
			return outcome, nil
		}
		aggregated = append(aggregated, fmt.Sprintf("%s: %s", member.Describe().Name, outcome.ErrorMessage()))
	}

	return processor.Outcome{Status: processor.StatusFailed, Errors: aggregated}, nil
}
