package tool

import (
	"context"
	"fmt"

	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// RunFunc is the body of a function-backed tool
type RunFunc func(ctx context.Context, params map[string]interface{}, onOutput OutputFunc) (*Output, error)

// ConfirmFunc derives confirmation details from validated parameters.
// Returning nil means the call proceeds without human approval.
type ConfirmFunc func(params map[string]interface{}) *v1.ConfirmationDetails

// PathsFunc derives affected filesystem paths from validated parameters
type PathsFunc func(params map[string]interface{}) []string

// Def declares a function-backed tool
type Def struct {
	Name        string
	Category    Category
	Description string
	Schema      string // JSON schema for the parameter object
	Confirm     ConfirmFunc
	Paths       PathsFunc
	Run         RunFunc
}

// funcTool implements Tool from a Def
type funcTool struct {
	def    Def
	schema *Schema
}

// New builds a Tool from a definition, compiling its parameter schema
func New(def Def) (Tool, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("tool definition requires a name")
	}
	if def.Run == nil {
		return nil, fmt.Errorf("tool %s requires a run function", def.Name)
	}
	schema, err := CompileSchema(def.Name, def.Schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s has an invalid schema: %w", def.Name, err)
	}
	return &funcTool{def: def, schema: schema}, nil
}

// MustNew builds a Tool from a definition and panics on a bad definition.
// Intended for built-in tool registration at startup.
func MustNew(def Def) Tool {
	t, err := New(def)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *funcTool) Name() string        { return t.def.Name }
func (t *funcTool) Category() Category  { return t.def.Category }
func (t *funcTool) Description() string { return t.def.Description }

// Build validates params and returns an executable invocation
func (t *funcTool) Build(params map[string]interface{}) (Invocation, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	if verr := t.schema.Validate(params); verr != nil {
		return nil, verr
	}
	return &funcInvocation{tool: t, params: params}, nil
}

// funcInvocation is one validated call against a funcTool
type funcInvocation struct {
	tool   *funcTool
	params map[string]interface{}
}

func (i *funcInvocation) Description() string {
	return fmt.Sprintf("%s %v", i.tool.def.Name, i.params)
}

func (i *funcInvocation) AffectedPaths() []string {
	if i.tool.def.Paths == nil {
		return nil
	}
	return i.tool.def.Paths(i.params)
}

func (i *funcInvocation) ShouldConfirm() *v1.ConfirmationDetails {
	if i.tool.def.Confirm == nil {
		return nil
	}
	return i.tool.def.Confirm(i.params)
}

func (i *funcInvocation) Execute(ctx context.Context, onOutput OutputFunc) (*Output, error) {
	return i.tool.def.Run(ctx, i.params, onOutput)
}
