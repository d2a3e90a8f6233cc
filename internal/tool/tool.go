// Package tool defines the tool contract consumed by the execution pipeline.
package tool

import (
	"context"

	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Category classifies a tool for static permission policy checks
type Category string

const (
	CategoryRead    Category = "read"
	CategoryWrite   Category = "write"
	CategoryExecute Category = "execute"
)

// OutputFunc receives incremental output chunks from a running tool
type OutputFunc func(chunk string)

// Output is the raw result of a tool body before formatting
type Output struct {
	Content string
	Payload map[string]interface{}
}

// Tool describes a registered tool capable of building executable invocations
type Tool interface {
	// Name returns the unique tool name
	Name() string

	// Category returns the tool's policy category
	Category() Category

	// Description returns a human-readable summary of the tool
	Description() string

	// Build validates raw parameters against the tool's declared shape and
	// returns an executable invocation. Validation fails fast on the first
	// violated constraint.
	Build(params map[string]interface{}) (Invocation, error)
}

// Invocation is a single validated, executable tool call
type Invocation interface {
	// Description returns a human-readable summary of this specific call
	Description() string

	// AffectedPaths returns filesystem paths this call may touch
	AffectedPaths() []string

	// ShouldConfirm returns confirmation details when the call requires
	// human approval, or nil when it can proceed unattended.
	ShouldConfirm() *v1.ConfirmationDetails

	// Execute runs the tool body. The body must observe ctx cooperatively
	// and may emit incremental output via onOutput.
	Execute(ctx context.Context, onOutput OutputFunc) (*Output, error)
}
