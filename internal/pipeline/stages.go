package pipeline

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/tool"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Stage names in the default sequence
const (
	StageDiscovery       = "discovery"
	StageValidation      = "validation"
	StagePermissionCheck = "permission_check"
	StageConfirmation    = "confirmation"
	StageExecution       = "execution"
	StageFormatting      = "formatting"
)

// Stage is one named unit of work in the execution pipeline. A non-nil error
// ends the call: the pipeline converts it to a failed ToolResult and skips
// the remaining stages.
type Stage interface {
	Name() string
	Process(ctx context.Context, ec *ExecContext) error
}

// ExecContext is the shared state one tool call carries through the stages
type ExecContext struct {
	ID      string
	Scope   *Scope
	Request *Request

	// Populated as the stages progress
	Tool       tool.Tool
	Invocation tool.Invocation
	Output     *tool.Output
	Result     *v1.ToolResult
}

// Confirmer suspends a tool call until a human approves or denies it
type Confirmer interface {
	RequestConfirmation(ctx context.Context, details *v1.ConfirmationDetails) (*v1.PermissionResponse, error)
}

// Policy is a static allow/deny check applied before any confirmation
// handshake. A nil error allows the call to proceed.
type Policy interface {
	Check(t tool.Tool, inv tool.Invocation) error
}

// CategoryPolicy denies tools by category
type CategoryPolicy struct {
	denied map[tool.Category]bool
}

// NewCategoryPolicy creates a policy denying the given categories
func NewCategoryPolicy(denied ...tool.Category) *CategoryPolicy {
	m := make(map[tool.Category]bool, len(denied))
	for _, c := range denied {
		m[c] = true
	}
	return &CategoryPolicy{denied: m}
}

// Check denies the call if the tool's category is on the deny list
func (p *CategoryPolicy) Check(t tool.Tool, inv tool.Invocation) error {
	if p.denied[t.Category()] {
		return apperrors.PermissionDenied(
			fmt.Sprintf("tool %s denied by policy: category %s is not allowed", t.Name(), t.Category()))
	}
	return nil
}

// discoveryStage resolves the tool name against the registry
type discoveryStage struct {
	registry ToolResolver
}

func (s *discoveryStage) Name() string { return StageDiscovery }

func (s *discoveryStage) Process(ctx context.Context, ec *ExecContext) error {
	t, ok := s.registry.Get(ec.Request.ToolName)
	if !ok {
		return apperrors.NotFound("tool", ec.Request.ToolName)
	}
	ec.Tool = t
	return nil
}

// validationStage builds the invocation, failing fast on the first violated
// parameter constraint
type validationStage struct{}

func (s *validationStage) Name() string { return StageValidation }

func (s *validationStage) Process(ctx context.Context, ec *ExecContext) error {
	inv, err := ec.Tool.Build(ec.Request.Params)
	if err != nil {
		return err
	}
	ec.Invocation = inv
	return nil
}

// permissionCheckStage applies the static policy, short-circuiting before
// any confirmation handshake
type permissionCheckStage struct {
	policy Policy
}

func (s *permissionCheckStage) Name() string { return StagePermissionCheck }

func (s *permissionCheckStage) Process(ctx context.Context, ec *ExecContext) error {
	if s.policy == nil {
		return nil
	}
	return s.policy.Check(ec.Tool, ec.Invocation)
}

// confirmationStage suspends on the human approval handshake when the
// invocation asks for it
type confirmationStage struct{}

func (s *confirmationStage) Name() string { return StageConfirmation }

func (s *confirmationStage) Process(ctx context.Context, ec *ExecContext) error {
	details := ec.Invocation.ShouldConfirm()
	if details == nil {
		return nil
	}
	if ec.Scope.Confirmer == nil {
		return apperrors.PermissionDenied("tool requires confirmation but no approver is attached")
	}

	resp, err := ec.Scope.Confirmer.RequestConfirmation(ctx, details)
	if err != nil {
		return err
	}
	if !resp.Approved {
		// A denial forced by cancellation is an abort, not a refusal
		if ctx.Err() != nil {
			return apperrors.Aborted("confirmation aborted for tool " + ec.Tool.Name() + ": " + resp.Reason)
		}
		if resp.Reason == "timeout" {
			return apperrors.PermissionTimeout("confirmation timed out for tool " + ec.Tool.Name())
		}
		msg := "confirmation denied for tool " + ec.Tool.Name()
		if resp.Reason != "" {
			msg += ": " + resp.Reason
		}
		return apperrors.PermissionDenied(msg)
	}
	return nil
}

// executionStage invokes the tool body with the call's cancellation signal
type executionStage struct{}

func (s *executionStage) Name() string { return StageExecution }

func (s *executionStage) Process(ctx context.Context, ec *ExecContext) error {
	out, err := ec.Invocation.Execute(ctx, ec.Scope.OnOutput)
	if err != nil {
		if errors.Is(err, context.Canceled) || apperrors.IsAborted(err) {
			return apperrors.Aborted("tool " + ec.Tool.Name() + " aborted: " + err.Error())
		}
		return apperrors.FromError(err)
	}
	ec.Output = out
	return nil
}

// formattingStage normalizes raw tool output into the result envelope,
// truncating oversized content fields
type formattingStage struct {
	truncateBytes int
}

func (s *formattingStage) Name() string { return StageFormatting }

func (s *formattingStage) Process(ctx context.Context, ec *ExecContext) error {
	result := &v1.ToolResult{
		ExecutionID: ec.ID,
		ToolName:    ec.Tool.Name(),
		Success:     true,
	}
	meta := map[string]interface{}{}
	if ec.Output != nil {
		result.Content = truncate(ec.Output.Content, s.truncateBytes)
		result.Payload = truncatePayload(ec.Output.Payload, s.truncateBytes)
		if len(result.Content) != len(ec.Output.Content) {
			meta["content_bytes"] = len(ec.Output.Content)
		}
	}
	if paths := ec.Invocation.AffectedPaths(); len(paths) > 0 {
		meta["affected_paths"] = paths
	}
	if len(meta) > 0 {
		result.Metadata = meta
	}
	ec.Result = result
	return nil
}

const truncationMarker = "\n... [output truncated]"

// truncate caps s at limit bytes, appending a marker when content was cut.
// A limit <= 0 disables truncation.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + truncationMarker
}

// truncatePayload caps oversized string values in the payload
func truncatePayload(payload map[string]interface{}, limit int) map[string]interface{} {
	if payload == nil || limit <= 0 {
		return payload
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			out[k] = truncate(s, limit)
			continue
		}
		out[k] = v
	}
	return out
}
