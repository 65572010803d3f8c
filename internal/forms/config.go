package forms

import (
	"encoding/json"

	"github.com/rendis/steprun/pkg/schema"
)

// StartVariable is a user-declared input of a start node.
type StartVariable struct {
	Variable string           `json:"variable"`
	Label    string           `json:"label,omitempty"`
	Type     schema.FieldType `json:"type"`
	Required bool             `json:"required"`
	Options  []string         `json:"options,omitempty"`
}

// VariableBinding binds a local variable name to another node's output.
type VariableBinding struct {
	Variable      string   `json:"variable"`
	ValueSelector []string `json:"value_selector"`
}

// PromptMessage is one message of a prompt template.
type PromptMessage struct {
	Role string `json:"role,omitempty"`
	Text string `json:"text"`
}

type selectorConfig struct {
	Enabled          bool     `json:"enabled"`
	VariableSelector []string `json:"variable_selector,omitempty"`
}

type modelConfig struct {
	Provider string `json:"provider,omitempty"`
	Name     string `json:"name"`
}

type startConfig struct {
	Variables []StartVariable `json:"variables"`
}

type llmConfig struct {
	Model          modelConfig     `json:"model"`
	PromptTemplate []PromptMessage `json:"prompt_template"`
	Context        selectorConfig  `json:"context"`
	Vision         selectorConfig  `json:"vision"`
}

type codeConfig struct {
	Language  string            `json:"code_language,omitempty"`
	Code      string            `json:"code"`
	Variables []VariableBinding `json:"variables"`
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type httpBody struct {
	Type string     `json:"type,omitempty"`
	Data []keyValue `json:"data,omitempty"`
	Raw  string     `json:"raw,omitempty"`
}

type httpConfig struct {
	Method  string     `json:"method,omitempty"`
	URL     string     `json:"url"`
	Headers []keyValue `json:"headers,omitempty"`
	Params  []keyValue `json:"params,omitempty"`
	Body    httpBody   `json:"body,omitempty"`
}

// Parameter input kinds for tool-like nodes.
const (
	ParamVariable = "variable"
	ParamMixed    = "mixed"
	ParamConstant = "constant"
)

// ToolParameter is the configured value of one tool parameter.
type ToolParameter struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// ParameterSchema declares a tool parameter's type and optional JSON Schema.
type ParameterSchema struct {
	Name     string          `json:"name"`
	Label    string          `json:"label,omitempty"`
	Type     VarType         `json:"type,omitempty"`
	Required bool            `json:"required"`
	Schema   json.RawMessage `json:"schema,omitempty"`
	Form     string          `json:"form,omitempty"`
}

type toolConfig struct {
	ProviderID       string                   `json:"provider_id"`
	ToolName         string                   `json:"tool_name"`
	Parameters       map[string]ToolParameter `json:"tool_parameters"`
	ParameterSchemas []ParameterSchema        `json:"parameter_schemas"`
}

type queryConfig struct {
	QuerySelector []string        `json:"query_variable_selector"`
	Instruction   string          `json:"instruction,omitempty"`
	Model         modelConfig     `json:"model"`
	Parameters    []ExtractParam  `json:"parameters,omitempty"`
	Classes       []classifyClass `json:"classes,omitempty"`
	DatasetIDs    []string        `json:"dataset_ids,omitempty"`
}

// ExtractParam is one parameter a parameter-extractor node produces.
type ExtractParam struct {
	Name     string  `json:"name"`
	Type     VarType `json:"type"`
	Required bool    `json:"required"`
}

type classifyClass struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type templateConfig struct {
	Template  string            `json:"template"`
	Variables []VariableBinding `json:"variables"`
}

type iterationConfig struct {
	IteratorSelector []string          `json:"iterator_selector"`
	OutputSelector   []string          `json:"output_selector,omitempty"`
	Inputs           []VariableBinding `json:"inputs,omitempty"`
	Parallel         bool              `json:"is_parallel,omitempty"`
}

// LoopVariable is a loop-carried variable, initialized by constant or reference.
type LoopVariable struct {
	Label     string  `json:"label"`
	VarType   VarType `json:"var_type"`
	ValueType string  `json:"value_type"`
	Value     any     `json:"value"`
}

type loopConfig struct {
	LoopCount      int            `json:"loop_count"`
	BreakCondition string         `json:"break_condition,omitempty"`
	LoopVariables  []LoopVariable `json:"loop_variables,omitempty"`
}

type ifElseCase struct {
	CaseID    string `json:"case_id"`
	Condition string `json:"condition"`
}

type ifElseConfig struct {
	Cases []ifElseCase `json:"cases"`
}

type aggregatorGroup struct {
	GroupName string     `json:"group_name"`
	Variables [][]string `json:"variables"`
}

type aggregatorConfig struct {
	Variables [][]string `json:"variables"`
	Advanced  struct {
		Enabled bool              `json:"group_enabled"`
		Groups  []aggregatorGroup `json:"groups"`
	} `json:"advanced_settings"`
}

type assignerItem struct {
	VariableSelector []string `json:"variable_selector"`
	InputType        string   `json:"input_type"`
	Operation        string   `json:"operation,omitempty"`
	Value            any      `json:"value"`
}

type assignerConfig struct {
	Items []assignerItem `json:"items"`
}

type documentConfig struct {
	VariableSelector []string `json:"variable_selector"`
	IsArrayFile      bool     `json:"is_array_file"`
}

type agentConfig struct {
	Strategy         string                   `json:"agent_strategy_name"`
	Instruction      string                   `json:"instruction,omitempty"`
	Parameters       map[string]ToolParameter `json:"agent_parameters"`
	ParameterSchemas []ParameterSchema        `json:"parameter_schemas"`
}

type datasourceConfig struct {
	PluginID         string                   `json:"plugin_id"`
	Parameters       map[string]ToolParameter `json:"datasource_parameters"`
	ParameterSchemas []ParameterSchema        `json:"parameter_schemas"`
}

type scheduleConfig struct {
	Mode     string `json:"mode,omitempty"`
	Cron     string `json:"cron_expression"`
	Timezone string `json:"timezone,omitempty"`
}

// decodeConfig maps a node's loosely-typed config onto dst. Unknown keys are
// ignored; a config that cannot be mapped yields INVALID_CONFIG.
func decodeConfig(node schema.NodeInstance, dst any) error {
	if len(node.Config) == 0 {
		return nil
	}
	raw, err := json.Marshal(node.Config)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidConfig, "encode config: %s", err).
			WithNode(node.ID).WithCause(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidConfig, "decode %s config: %s", node.Kind, err).
			WithNode(node.ID).WithCause(err)
	}
	return nil
}

// mustDecode is decodeConfig for providers, which have no error path; a
// malformed config yields the zero value and CheckConfig reports it.
func mustDecode[T any](node schema.NodeInstance) T {
	var cfg T
	_ = decodeConfig(node, &cfg)
	return cfg
}
