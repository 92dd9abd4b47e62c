package brain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/positronic-core/positronic/pkg/models"
)

// Validate checks a brain definition for structural soundness: titles
// present and unique, required functions non-nil, and every embedded
// JSON schema compilable. All failures wrap ErrIRInvalid.
func Validate(b *Brain) error {
	if b == nil {
		return fmt.Errorf("%w: nil brain", ErrIRInvalid)
	}
	if b.Title == "" {
		return fmt.Errorf("%w: empty title", ErrIRInvalid)
	}
	if len(b.Blocks) == 0 {
		return fmt.Errorf("%w: brain %q has no blocks", ErrIRInvalid, b.Title)
	}
	for name, tool := range b.Meta.Tools {
		if err := validateTool(name, tool); err != nil {
			return fmt.Errorf("brain %q shared tools: %w", b.Title, err)
		}
	}
	seen := make(map[string]bool, len(b.Blocks))
	for i, block := range b.Blocks {
		title := block.BlockTitle()
		if title == "" {
			return fmt.Errorf("%w: brain %q block %d has no title", ErrIRInvalid, b.Title, i)
		}
		if seen[title] {
			return fmt.Errorf("%w: brain %q has duplicate block title %q", ErrIRInvalid, b.Title, title)
		}
		seen[title] = true
		if err := validateBlock(block); err != nil {
			return fmt.Errorf("brain %q block %q: %w", b.Title, title, err)
		}
	}
	return nil
}

func validateBlock(block Block) error {
	switch v := block.(type) {
	case Step:
		if v.Action == nil {
			return fmt.Errorf("%w: step has no action", ErrIRInvalid)
		}
	case Agent:
		if v.Configure == nil {
			return fmt.Errorf("%w: agent has no configure function", ErrIRInvalid)
		}
	case BatchPrompt:
		return validateBatch(v)
	case Guard:
		if v.Predicate == nil {
			return fmt.Errorf("%w: guard has no predicate", ErrIRInvalid)
		}
	case Wait:
		if v.Register == nil {
			return fmt.Errorf("%w: wait has no register function", ErrIRInvalid)
		}
	case SubBrain:
		if v.Brain == nil {
			return fmt.Errorf("%w: subBrain has no inner brain", ErrIRInvalid)
		}
		return Validate(v.Brain)
	default:
		return fmt.Errorf("%w: unknown block kind %q", ErrIRInvalid, block.Kind())
	}
	return nil
}

func validateBatch(b BatchPrompt) error {
	if b.Items == nil {
		return fmt.Errorf("%w: batchPrompt has no items function", ErrIRInvalid)
	}
	if b.Prompt == nil {
		return fmt.Errorf("%w: batchPrompt has no prompt function", ErrIRInvalid)
	}
	if b.SchemaName == "" {
		return fmt.Errorf("%w: batchPrompt has no schema name", ErrIRInvalid)
	}
	if len(b.Schema) == 0 {
		return fmt.Errorf("%w: batchPrompt has no result schema", ErrIRInvalid)
	}
	if err := CompileSchema(b.Schema); err != nil {
		return fmt.Errorf("%w: batchPrompt result schema: %v", ErrIRInvalid, err)
	}
	return nil
}

func validateTool(name string, tool Tool) error {
	if name == DoneToolName {
		return fmt.Errorf("%w: tool name %q is reserved", ErrIRInvalid, DoneToolName)
	}
	if !tool.Terminal && tool.Execute == nil {
		return fmt.Errorf("%w: tool %q has no execute function", ErrIRInvalid, name)
	}
	if len(tool.InputSchema) > 0 {
		if err := CompileSchema(tool.InputSchema); err != nil {
			return fmt.Errorf("%w: tool %q input schema: %v", ErrIRInvalid, name, err)
		}
	}
	return nil
}

// ValidateAgentConfig checks a configured agent block before the loop
// starts. Configure runs per-execution, so this is enforced at runtime
// rather than registration.
func ValidateAgentConfig(cfg AgentConfig) error {
	if cfg.Prompt == "" {
		return fmt.Errorf("%w: agent config has no prompt", ErrIRInvalid)
	}
	if cfg.MaxIterations <= 0 {
		return fmt.Errorf("%w: agent config needs positive maxIterations", ErrIRInvalid)
	}
	for name, tool := range cfg.Tools {
		if err := validateTool(name, tool); err != nil {
			return err
		}
	}
	if cfg.Output != nil {
		if cfg.Output.Name == "" {
			return fmt.Errorf("%w: agent output schema has no name", ErrIRInvalid)
		}
		if err := CompileSchema(cfg.Output.Schema); err != nil {
			return fmt.Errorf("%w: agent output schema: %v", ErrIRInvalid, err)
		}
	}
	return nil
}

// CompileSchema compiles a raw JSON schema document, reporting whether
// it is well-formed.
func CompileSchema(raw json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := compiler.Compile("inline.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

// ValidateAgainstSchema checks a JSON document against a raw schema.
// Used by the agent loop to validate terminal tool inputs.
func ValidateAgainstSchema(raw json.RawMessage, document json.RawMessage) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("inline.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(document))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// ResolveTool looks a tool up in the agent's configured set, the
// brain's shared set, and the injected done tool, in that order.
func ResolveTool(b *Brain, cfg AgentConfig, name string) (Tool, error) {
	if tool, ok := cfg.Tools[name]; ok {
		return tool, nil
	}
	if b != nil {
		if tool, ok := b.Meta.Tools[name]; ok {
			return tool, nil
		}
	}
	if name == DoneToolName {
		return DoneTool(cfg.Output), nil
	}
	return Tool{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// WaitRegistrations validates a webhook registration set produced by a
// step, tool, or wait block.
func WaitRegistrations(regs []models.WebhookRegistration) error {
	if len(regs) == 0 {
		return fmt.Errorf("%w: empty waitFor set", ErrIRInvalid)
	}
	for _, reg := range regs {
		if reg.Slug == "" || reg.Identifier == "" {
			return fmt.Errorf("%w: webhook registration needs slug and identifier", ErrIRInvalid)
		}
	}
	return nil
}
