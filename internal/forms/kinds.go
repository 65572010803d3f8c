package forms

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/pkg/schema"
)

// Well-known system selectors surfaced by the start node in chat mode.
var (
	SysQuery = []string{reference.SystemNode, "query"}
	SysFiles = []string{reference.SystemNode, "files"}
)

// scheduleParser accepts standard five-field cron plus descriptors (@daily).
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// nextFireCount is how many upcoming schedule times the aux data lists.
const nextFireCount = 3

func builtinProviders() map[schema.NodeKind]Provider {
	return map[schema.NodeKind]Provider{
		schema.NodeKindStart:              startProvider{},
		schema.NodeKindLLM:                llmProvider{},
		schema.NodeKindCode:               codeProvider{},
		schema.NodeKindHTTPRequest:        httpProvider{},
		schema.NodeKindTool:               toolProvider{},
		schema.NodeKindKnowledgeRetrieval: queryProvider{kind: schema.NodeKindKnowledgeRetrieval},
		schema.NodeKindParameterExtractor: queryProvider{kind: schema.NodeKindParameterExtractor},
		schema.NodeKindQuestionClassifier: queryProvider{kind: schema.NodeKindQuestionClassifier},
		schema.NodeKindTemplateTransform:  templateProvider{},
		schema.NodeKindIteration:          iterationProvider{},
		schema.NodeKindLoop:               loopProvider{},
		schema.NodeKindIfElse:             ifElseProvider{},
		schema.NodeKindVariableAggregator: aggregatorProvider{},
		schema.NodeKindVariableAssigner:   assignerProvider{},
		schema.NodeKindDocumentExtractor:  documentProvider{},
		schema.NodeKindAgent:              agentProvider{},
		schema.NodeKindDataSource:         datasourceProvider{},
		schema.NodeKindTriggerSchedule:    scheduleProvider{},
	}
}

func invalidConfig(node schema.NodeInstance, format string, args ...any) *schema.StepError {
	return schema.NewErrorf(schema.ErrCodeInvalidConfig, format, args...).WithNode(node.ID)
}

type startProvider struct{}

func (startProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[startConfig](node)
	b := newFieldBuilder(pctx.graph())
	for _, v := range cfg.Variables {
		ft := v.Type
		if ft == "" {
			ft = schema.FieldText
		}
		label := v.Label
		if label == "" {
			label = v.Variable
		}
		b.plain(schema.InputField{
			Variable: v.Variable,
			Label:    schema.PlainLabel(label),
			Type:     ft,
			Required: v.Required,
			Options:  append([]string(nil), v.Options...),
		})
	}
	if pctx.chatMode() {
		b.plain(schema.InputField{
			Variable: reference.Format(SysQuery),
			Label:    schema.Label{Variable: strings.Join(SysQuery, ".")},
			Type:     schema.FieldText,
			Required: true,
		})
		b.plain(schema.InputField{
			Variable: reference.Format(SysFiles),
			Label:    schema.Label{Variable: strings.Join(SysFiles, ".")},
			Type:     schema.FieldMultiFiles,
		})
	}
	return b.group("")
}

type llmProvider struct{}

func (llmProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[llmConfig](node)
	b := newFieldBuilder(pctx.graph())
	texts := make([]string, 0, len(cfg.PromptTemplate))
	for _, m := range cfg.PromptTemplate {
		texts = append(texts, m.Text)
	}
	b.templates(texts...)
	if cfg.Context.Enabled {
		b.typed(cfg.Context.VariableSelector, schema.FieldContextList)
	}
	if cfg.Vision.Enabled {
		b.typed(cfg.Vision.VariableSelector, schema.FieldFiles)
	}
	return b.group("")
}

func (llmProvider) CheckConfig(node schema.NodeInstance, _ *Context) error {
	var cfg llmConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if cfg.Model.Name == "" {
		return invalidConfig(node, "model is not configured")
	}
	if len(cfg.PromptTemplate) == 0 {
		return invalidConfig(node, "prompt is empty")
	}
	return nil
}

type codeProvider struct{}

func (codeProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[codeConfig](node)
	return bindings(pctx.graph(), cfg.Variables).group("")
}

func (codeProvider) CheckConfig(node schema.NodeInstance, _ *Context) error {
	var cfg codeConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Code) == "" {
		return invalidConfig(node, "code is empty")
	}
	for _, v := range cfg.Variables {
		if v.Variable == "" || len(v.ValueSelector) < 2 {
			return invalidConfig(node, "input variable %q is not bound", v.Variable)
		}
	}
	return nil
}

// bindings adds one reference field per binding, labelled with the local name.
func bindings(g Graph, vars []VariableBinding) *fieldBuilder {
	b := newFieldBuilder(g)
	for _, v := range vars {
		before := len(b.fields)
		b.selector(v.ValueSelector)
		if len(b.fields) > before && v.Variable != "" {
			b.fields[len(b.fields)-1].Label.Text = v.Variable
		}
	}
	return b
}

type httpProvider struct{}

func (httpProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[httpConfig](node)
	texts := []string{cfg.URL, cfg.Body.Raw}
	for _, kvs := range [][]keyValue{cfg.Headers, cfg.Params, cfg.Body.Data} {
		for _, kv := range kvs {
			texts = append(texts, kv.Key, kv.Value)
		}
	}
	return newFieldBuilder(pctx.graph()).templates(texts...).group("")
}

func (httpProvider) CheckConfig(node schema.NodeInstance, _ *Context) error {
	var cfg httpConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return invalidConfig(node, "url is empty")
	}
	return nil
}

type toolProvider struct{}

func (toolProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[toolConfig](node)
	return newFieldBuilder(pctx.graph()).parameters(cfg.Parameters, cfg.ParameterSchemas).group("")
}

func (toolProvider) AuxData(node schema.NodeInstance, _ *Context) map[string]any {
	cfg := mustDecode[toolConfig](node)
	return map[string]any{
		"provider_id":       cfg.ProviderID,
		"tool_name":         cfg.ToolName,
		"show_more_options": hasFormParameters(cfg.ParameterSchemas),
	}
}

func (toolProvider) CheckConfig(node schema.NodeInstance, _ *Context) error {
	var cfg toolConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if cfg.ProviderID == "" || cfg.ToolName == "" {
		return invalidConfig(node, "tool is not selected")
	}
	return checkParameters(node, cfg.Parameters, cfg.ParameterSchemas)
}

// hasFormParameters reports whether any parameter is configured on the node
// itself rather than supplied per run.
func hasFormParameters(schemas []ParameterSchema) bool {
	for _, s := range schemas {
		if s.Form == "form" {
			return true
		}
	}
	return false
}

func checkParameters(node schema.NodeInstance, params map[string]ToolParameter, schemas []ParameterSchema) error {
	for _, s := range schemas {
		if !s.Required || s.Form == "form" {
			continue
		}
		p, ok := params[s.Name]
		if !ok || p.Value == nil || p.Value == "" {
			return invalidConfig(node, "parameter %q is required", s.Name)
		}
	}
	return nil
}

type queryProvider struct {
	kind schema.NodeKind
}

func (p queryProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[queryConfig](node)
	b := newFieldBuilder(pctx.graph()).typed(cfg.QuerySelector, schema.FieldParagraph)
	if p.kind != schema.NodeKindKnowledgeRetrieval {
		b.templates(cfg.Instruction)
	}
	return b.group("")
}

func (p queryProvider) CheckConfig(node schema.NodeInstance, _ *Context) error {
	var cfg queryConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if len(cfg.QuerySelector) < 2 {
		return invalidConfig(node, "query variable is not set")
	}
	switch p.kind {
	case schema.NodeKindKnowledgeRetrieval:
		if len(cfg.DatasetIDs) == 0 {
			return invalidConfig(node, "no knowledge base selected")
		}
	case schema.NodeKindParameterExtractor:
		if cfg.Model.Name == "" {
			return invalidConfig(node, "model is not configured")
		}
		if len(cfg.Parameters) == 0 {
			return invalidConfig(node, "no parameters to extract")
		}
	case schema.NodeKindQuestionClassifier:
		if cfg.Model.Name == "" {
			return invalidConfig(node, "model is not configured")
		}
		if len(cfg.Classes) == 0 {
			return invalidConfig(node, "no classes defined")
		}
	}
	return nil
}

type templateProvider struct{}

func (templateProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[templateConfig](node)
	return bindings(pctx.graph(), cfg.Variables).group("")
}

type iterationProvider struct{}

// Forms returns the loop-invariant inputs first and the iterator input as a
// group of its own.
func (iterationProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[iterationConfig](node)
	groups := bindings(pctx.graph(), cfg.Inputs).group("inputs")
	iter := newFieldBuilder(pctx.graph()).typed(cfg.IteratorSelector, schema.FieldIterator)
	if len(iter.fields) > 0 {
		iter.fields[0].Label.Text = "iterator"
	}
	return append(groups, iter.group("iterator")...)
}

func (iterationProvider) AuxData(node schema.NodeInstance, _ *Context) map[string]any {
	cfg := mustDecode[iterationConfig](node)
	return map[string]any{
		"is_parallel":       cfg.Parallel,
		"iterator_selector": cfg.IteratorSelector,
	}
}

func (iterationProvider) CheckConfig(node schema.NodeInstance, _ *Context) error {
	var cfg iterationConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if len(cfg.IteratorSelector) < 2 {
		return invalidConfig(node, "iterator variable is not set")
	}
	return nil
}

type loopProvider struct{}

func (loopProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[loopConfig](node)
	b := newFieldBuilder(pctx.graph())
	for _, v := range cfg.LoopVariables {
		if v.ValueType != ParamVariable {
			continue
		}
		before := len(b.fields)
		b.selector(toSelector(v.Value))
		if len(b.fields) > before {
			f := &b.fields[len(b.fields)-1]
			f.Label.Text = v.Label
			if v.VarType != "" {
				f.Type = FieldTypeFor(OutputVar{Type: v.VarType})
			}
		}
	}
	return b.group("")
}

func (loopProvider) CheckConfig(node schema.NodeInstance, pctx *Context) error {
	var cfg loopConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if cfg.LoopCount <= 0 {
		return invalidConfig(node, "loop count must be positive")
	}
	if cfg.BreakCondition != "" {
		if err := pctx.expr().Compile(cfg.BreakCondition); err != nil {
			return invalidConfig(node, "break condition: %s", err).WithCause(err)
		}
	}
	return nil
}

type ifElseProvider struct{}

func (ifElseProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[ifElseConfig](node)
	engine, err := pctx.cel()
	if err != nil {
		return nil
	}
	b := newFieldBuilder(pctx.graph())
	for _, c := range cfg.Cases {
		for _, sel := range engine.References(c.Condition) {
			b.selector(sel)
		}
	}
	return b.group("")
}

func (ifElseProvider) AuxData(node schema.NodeInstance, _ *Context) map[string]any {
	cfg := mustDecode[ifElseConfig](node)
	ids := make([]string, 0, len(cfg.Cases))
	for _, c := range cfg.Cases {
		ids = append(ids, c.CaseID)
	}
	return map[string]any{"case_ids": ids}
}

func (ifElseProvider) CheckConfig(node schema.NodeInstance, pctx *Context) error {
	var cfg ifElseConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if len(cfg.Cases) == 0 {
		return invalidConfig(node, "no conditions defined")
	}
	engine, err := pctx.cel()
	if err != nil {
		return invalidConfig(node, "condition engine: %s", err).WithCause(err)
	}
	for _, c := range cfg.Cases {
		if err := engine.Compile(c.Condition); err != nil {
			return invalidConfig(node, "case %q: %s", c.CaseID, err).WithCause(err)
		}
	}
	return nil
}

type aggregatorProvider struct{}

// Forms returns one group per aggregation group when grouping is enabled.
func (aggregatorProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[aggregatorConfig](node)
	if !cfg.Advanced.Enabled {
		b := newFieldBuilder(pctx.graph())
		for _, sel := range cfg.Variables {
			b.selector(sel)
		}
		return b.group("")
	}
	var groups []schema.FormGroup
	for _, g := range cfg.Advanced.Groups {
		b := newFieldBuilder(pctx.graph())
		for _, sel := range g.Variables {
			b.selector(sel)
		}
		groups = append(groups, b.group(g.GroupName)...)
	}
	return groups
}

type assignerProvider struct{}

func (assignerProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[assignerConfig](node)
	b := newFieldBuilder(pctx.graph())
	for _, item := range cfg.Items {
		if item.InputType == ParamVariable {
			b.selector(toSelector(item.Value))
		}
	}
	return b.group("")
}

type documentProvider struct{}

func (documentProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[documentConfig](node)
	ft := schema.FieldSingleFile
	if cfg.IsArrayFile {
		ft = schema.FieldMultiFiles
	}
	return newFieldBuilder(pctx.graph()).typed(cfg.VariableSelector, ft).group("")
}

func (documentProvider) CheckConfig(node schema.NodeInstance, _ *Context) error {
	var cfg documentConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if len(cfg.VariableSelector) < 2 {
		return invalidConfig(node, "input file variable is not set")
	}
	return nil
}

type agentProvider struct{}

func (agentProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[agentConfig](node)
	return newFieldBuilder(pctx.graph()).
		templates(cfg.Instruction).
		parameters(cfg.Parameters, cfg.ParameterSchemas).
		group("")
}

func (agentProvider) CheckConfig(node schema.NodeInstance, _ *Context) error {
	var cfg agentConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if cfg.Strategy == "" {
		return invalidConfig(node, "agent strategy is not selected")
	}
	return checkParameters(node, cfg.Parameters, cfg.ParameterSchemas)
}

type datasourceProvider struct{}

func (datasourceProvider) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	cfg := mustDecode[datasourceConfig](node)
	return newFieldBuilder(pctx.graph()).parameters(cfg.Parameters, cfg.ParameterSchemas).group("")
}

func (datasourceProvider) AuxData(node schema.NodeInstance, _ *Context) map[string]any {
	cfg := mustDecode[datasourceConfig](node)
	return map[string]any{
		"plugin_id":         cfg.PluginID,
		"show_more_options": hasFormParameters(cfg.ParameterSchemas),
	}
}

type scheduleProvider struct{}

// Forms is empty: a schedule trigger fires with no user input.
func (scheduleProvider) Forms(schema.NodeInstance, *Context) []schema.FormGroup { return nil }

func (scheduleProvider) AuxData(node schema.NodeInstance, pctx *Context) map[string]any {
	cfg := mustDecode[scheduleConfig](node)
	sched, loc, err := parseSchedule(cfg)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	next := make([]string, 0, nextFireCount)
	t := pctx.now().In(loc)
	for range nextFireCount {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		next = append(next, t.Format(time.RFC3339))
	}
	return map[string]any{"next_fire_times": next}
}

func (scheduleProvider) CheckConfig(node schema.NodeInstance, _ *Context) error {
	var cfg scheduleConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return err
	}
	if _, _, err := parseSchedule(cfg); err != nil {
		return invalidConfig(node, "schedule: %s", err).WithCause(err)
	}
	return nil
}

func parseSchedule(cfg scheduleConfig) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, nil, err
		}
		loc = l
	}
	sched, err := scheduleParser.Parse(cfg.Cron)
	if err != nil {
		return nil, nil, err
	}
	return sched, loc, nil
}
