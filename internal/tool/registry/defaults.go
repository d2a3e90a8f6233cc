package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/tool"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// DefaultTools returns the built-in tool set registered at startup.
// These are sample tools: real deployments register their own.
func DefaultTools() []tool.Tool {
	return []tool.Tool{echoTool(), sleepTool(), failTool(), writeFileTool()}
}

// echoTool returns its message parameter unchanged
func echoTool() tool.Tool {
	return tool.MustNew(tool.Def{
		Name:        "echo",
		Category:    tool.CategoryRead,
		Description: "Returns the provided message",
		Schema: `{
			"type": "object",
			"properties": {
				"message": {"type": "string", "maxLength": 65536}
			},
			"required": ["message"],
			"additionalProperties": false
		}`,
		Run: func(ctx context.Context, params map[string]interface{}, onOutput tool.OutputFunc) (*tool.Output, error) {
			msg, _ := params["message"].(string)
			if onOutput != nil {
				onOutput(msg)
			}
			return &tool.Output{Content: msg}, nil
		},
	})
}

// sleepTool blocks for duration_ms, observing cancellation
func sleepTool() tool.Tool {
	return tool.MustNew(tool.Def{
		Name:        "sleep",
		Category:    tool.CategoryRead,
		Description: "Sleeps for the given number of milliseconds",
		Schema: `{
			"type": "object",
			"properties": {
				"duration_ms": {"type": "integer", "minimum": 1, "maximum": 600000}
			},
			"required": ["duration_ms"],
			"additionalProperties": false
		}`,
		Run: func(ctx context.Context, params map[string]interface{}, onOutput tool.OutputFunc) (*tool.Output, error) {
			ms := toInt(params["duration_ms"])
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, apperrors.Aborted("sleep interrupted")
			case <-timer.C:
			}
			return &tool.Output{Content: fmt.Sprintf("slept %dms", ms)}, nil
		},
	})
}

// failTool always fails; used to exercise execution error handling
func failTool() tool.Tool {
	return tool.MustNew(tool.Def{
		Name:        "fail",
		Category:    tool.CategoryRead,
		Description: "Always fails with the provided message",
		Schema: `{
			"type": "object",
			"properties": {
				"message": {"type": "string"}
			},
			"additionalProperties": false
		}`,
		Run: func(ctx context.Context, params map[string]interface{}, onOutput tool.OutputFunc) (*tool.Output, error) {
			msg, _ := params["message"].(string)
			if msg == "" {
				msg = "tool failed"
			}
			return nil, apperrors.ExecutionError(msg, nil)
		},
	})
}

// writeFileTool writes content to a path; requires human confirmation
func writeFileTool() tool.Tool {
	return tool.MustNew(tool.Def{
		Name:        "write_file",
		Category:    tool.CategoryWrite,
		Description: "Writes content to a file, creating parent directories",
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"content": {"type": "string"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`,
		Paths: func(params map[string]interface{}) []string {
			p, _ := params["path"].(string)
			return []string{p}
		},
		Confirm: func(params map[string]interface{}) *v1.ConfirmationDetails {
			p, _ := params["path"].(string)
			content, _ := params["content"].(string)
			return &v1.ConfirmationDetails{
				Title:         "Write file " + p,
				Description:   fmt.Sprintf("Write %d bytes to %s", len(content), p),
				AffectedPaths: []string{p},
				Params:        params,
			}
		},
		Run: func(ctx context.Context, params map[string]interface{}, onOutput tool.OutputFunc) (*tool.Output, error) {
			p, _ := params["path"].(string)
			content, _ := params["content"].(string)
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, apperrors.ExecutionError("failed to create parent directory", err)
			}
			if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
				return nil, apperrors.ExecutionError("failed to write file", err)
			}
			return &tool.Output{
				Content: fmt.Sprintf("wrote %d bytes to %s", len(content), p),
				Payload: map[string]interface{}{"path": p, "bytes": len(content)},
			}, nil
		},
	})
}

// toInt converts JSON-decoded numbers to int
func toInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
