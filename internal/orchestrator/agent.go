// Package orchestrator drives agent runs end to end: it owns the agent loop,
// the run lifecycle, and the wiring between the registry, the pipeline, the
// permission broker, and the record store.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/pipeline"
)

// Agent plans the tool calls a run performs. Real deployments back this with
// an LLM; the built-in agents are deterministic and exist so the service is
// runnable and testable end to end.
type Agent interface {
	// Name returns the unique agent name clients select at run creation
	Name() string

	// Plan turns the run input into an ordered list of tool calls
	Plan(ctx context.Context, input string) ([]*pipeline.Request, error)
}

// scriptedAgent executes a literal tool-call plan supplied as the run input:
// a JSON array of {"tool": name, "params": {...}} objects.
type scriptedAgent struct{}

// NewScriptedAgent returns the agent that treats run input as a JSON plan
func NewScriptedAgent() Agent {
	return &scriptedAgent{}
}

func (a *scriptedAgent) Name() string { return "scripted" }

type plannedCall struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

func (a *scriptedAgent) Plan(ctx context.Context, input string) ([]*pipeline.Request, error) {
	var calls []plannedCall
	if err := json.Unmarshal([]byte(input), &calls); err != nil {
		return nil, apperrors.BadRequest("scripted agent input must be a JSON array of {tool, params} objects")
	}
	if len(calls) == 0 {
		return nil, apperrors.BadRequest("scripted agent input contains no tool calls")
	}

	reqs := make([]*pipeline.Request, 0, len(calls))
	for _, call := range calls {
		if strings.TrimSpace(call.Tool) == "" {
			return nil, apperrors.BadRequest("scripted agent input contains a call with no tool name")
		}
		reqs = append(reqs, &pipeline.Request{ToolName: call.Tool, Params: call.Params})
	}
	return reqs, nil
}

// echoAgent answers every input with a single echo call
type echoAgent struct{}

// NewEchoAgent returns the agent that echoes the run input back
func NewEchoAgent() Agent {
	return &echoAgent{}
}

func (a *echoAgent) Name() string { return "echo" }

func (a *echoAgent) Plan(ctx context.Context, input string) ([]*pipeline.Request, error) {
	return []*pipeline.Request{
		{ToolName: "echo", Params: map[string]interface{}{"message": input}},
	}, nil
}
