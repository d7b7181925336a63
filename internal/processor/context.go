package processor

import "time"

// Context carries the per-invocation input for a processor. Prior-stage
// outputs are exposed read-only; processors must not assume exclusive
// ownership of the metadata map.
type Context struct {
	DocumentID string
	InputPath  string
	MimeType   string
	Metadata   map[string]string
	DryRun     bool
	Deadline   time.Time

	priorOutputs map[string]Outcome
}

// NewContext builds an invocation context for one document.
func NewContext(documentID, inputPath, mimeType string) *Context {
	return &Context{
		DocumentID: documentID,
		InputPath:  inputPath,
		MimeType:   mimeType,
		Metadata:   make(map[string]string),
	}
}

// WithMetadata merges caller-supplied metadata into the context.
func (c *Context) WithMetadata(meta map[string]string) *Context {
	for k, v := range meta {
		c.Metadata[k] = v
	}
	return c
}

// WithPriorOutputs attaches the completed upstream stage outcomes.
func (c *Context) WithPriorOutputs(outputs map[string]Outcome) *Context {
	cp := make(map[string]Outcome, len(outputs))
	for stage, outcome := range outputs {
		cp[stage] = outcome
	}
	c.priorOutputs = cp
	return c
}

// PriorOutput returns the outcome of a completed upstream stage.
func (c *Context) PriorOutput(stage string) (Outcome, bool) {
	outcome, ok := c.priorOutputs[stage]
	return outcome, ok
}

// PriorStages lists the upstream stages whose outcomes are available.
func (c *Context) PriorStages() []string {
	stages := make([]string, 0, len(c.priorOutputs))
	for stage := range c.priorOutputs {
		stages = append(stages, stage)
	}
	return stages
}
