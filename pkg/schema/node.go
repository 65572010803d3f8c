package schema

import (
	"encoding/json"
	"time"
)

// NodeKind is the closed set of workflow step kinds.
type NodeKind string

const (
	NodeKindStart              NodeKind = "start"
	NodeKindEnd                NodeKind = "end"
	NodeKindAnswer             NodeKind = "answer"
	NodeKindLLM                NodeKind = "llm"
	NodeKindCode               NodeKind = "code"
	NodeKindHTTPRequest        NodeKind = "http-request"
	NodeKindTool               NodeKind = "tool"
	NodeKindKnowledgeRetrieval NodeKind = "knowledge-retrieval"
	NodeKindParameterExtractor NodeKind = "parameter-extractor"
	NodeKindQuestionClassifier NodeKind = "question-classifier"
	NodeKindTemplateTransform  NodeKind = "template-transform"
	NodeKindIteration          NodeKind = "iteration"
	NodeKindLoop               NodeKind = "loop"
	NodeKindIfElse             NodeKind = "if-else"
	NodeKindVariableAggregator NodeKind = "variable-aggregator"
	NodeKindVariableAssigner   NodeKind = "assigner"
	NodeKindDocumentExtractor  NodeKind = "document-extractor"
	NodeKindAgent              NodeKind = "agent"
	NodeKindDataSource         NodeKind = "datasource"
	NodeKindTriggerWebhook     NodeKind = "trigger-webhook"
	NodeKindTriggerPlugin      NodeKind = "trigger-plugin"
	NodeKindTriggerSchedule    NodeKind = "trigger-schedule"
)

// AllNodeKinds lists every NodeKind in declaration order.
var AllNodeKinds = []NodeKind{
	NodeKindStart, NodeKindEnd, NodeKindAnswer, NodeKindLLM, NodeKindCode,
	NodeKindHTTPRequest, NodeKindTool, NodeKindKnowledgeRetrieval,
	NodeKindParameterExtractor, NodeKindQuestionClassifier, NodeKindTemplateTransform,
	NodeKindIteration, NodeKindLoop, NodeKindIfElse, NodeKindVariableAggregator,
	NodeKindVariableAssigner, NodeKindDocumentExtractor, NodeKindAgent,
	NodeKindDataSource, NodeKindTriggerWebhook, NodeKindTriggerPlugin,
	NodeKindTriggerSchedule,
}

// Valid reports whether k is a member of the closed NodeKind set.
func (k NodeKind) Valid() bool {
	for _, known := range AllNodeKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsTrigger reports whether the kind is a trigger that listens for an external event.
func (k NodeKind) IsTrigger() bool {
	return k == NodeKindTriggerWebhook || k == NodeKindTriggerPlugin || k == NodeKindTriggerSchedule
}

// NodeInstance is a single node of the workflow graph. The graph owns it;
// this module only reads it.
type NodeInstance struct {
	ID     string         `json:"id" yaml:"id"`
	Kind   NodeKind       `json:"kind" yaml:"kind"`
	Title  string         `json:"title,omitempty" yaml:"title,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// FieldType governs validation and coercion of an input field.
type FieldType string

const (
	FieldText        FieldType = "text-input"
	FieldParagraph   FieldType = "paragraph"
	FieldSelect      FieldType = "select"
	FieldNumber      FieldType = "number"
	FieldCheckbox    FieldType = "checkbox"
	FieldJSON        FieldType = "json"
	FieldSingleFile  FieldType = "file"
	FieldMultiFiles  FieldType = "file-list"
	FieldFiles       FieldType = "files"
	FieldContextList FieldType = "contexts"
	FieldIterator    FieldType = "iterator"
	FieldLoop        FieldType = "loop"
)

// IsList reports whether values of this type are lists, for which an empty
// list counts as empty.
func (t FieldType) IsList() bool {
	switch t {
	case FieldMultiFiles, FieldFiles, FieldContextList, FieldIterator, FieldLoop:
		return true
	}
	return false
}

// IsFile reports whether the field carries uploaded files.
func (t FieldType) IsFile() bool {
	return t == FieldSingleFile || t == FieldMultiFiles || t == FieldFiles
}

// Label is a field label: either plain text or a reference to another node's variable.
type Label struct {
	Text      string   `json:"text,omitempty" yaml:"text,omitempty"`
	NodeType  NodeKind `json:"node_type,omitempty" yaml:"node_type,omitempty"`
	NodeName  string   `json:"node_name,omitempty" yaml:"node_name,omitempty"`
	Variable  string   `json:"variable,omitempty" yaml:"variable,omitempty"`
	IsChatVar bool     `json:"is_chat_var,omitempty" yaml:"is_chat_var,omitempty"`
}

// PlainLabel returns a text-only label.
func PlainLabel(text string) Label {
	return Label{Text: text}
}

func (l Label) String() string {
	if l.Text != "" {
		return l.Text
	}
	if l.NodeName != "" && l.Variable != "" {
		return l.NodeName + "/" + l.Variable
	}
	return l.Variable
}

// InputField is one typed entry of a form.
type InputField struct {
	Variable      string          `json:"variable" yaml:"variable"`
	Label         Label           `json:"label" yaml:"label"`
	Type          FieldType       `json:"type" yaml:"type"`
	Required      bool            `json:"required" yaml:"required"`
	Options       []string        `json:"options,omitempty" yaml:"options,omitempty"`
	ValueSelector []string        `json:"value_selector,omitempty" yaml:"value_selector,omitempty"`
	Schema        json.RawMessage `json:"schema,omitempty" yaml:"-"`
}

// DisplayName is the human-facing name used in validation messages.
func (f InputField) DisplayName() string {
	if s := f.Label.String(); s != "" {
		return s
	}
	return f.Variable
}

// FormGroup is a named input group with its current values.
type FormGroup struct {
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Inputs []InputField   `json:"inputs" yaml:"inputs"`
	Values map[string]any `json:"values" yaml:"values,omitempty"`
}

// Clone returns a copy whose Inputs slice and Values map are not shared with g.
func (g FormGroup) Clone() FormGroup {
	out := FormGroup{Name: g.Name}
	out.Inputs = append([]InputField(nil), g.Inputs...)
	out.Values = make(map[string]any, len(g.Values))
	for k, v := range g.Values {
		out.Values[k] = v
	}
	return out
}

// File transfer methods.
const (
	TransferLocalFile = "local_file"
	TransferRemoteURL = "remote_url"
)

// FileValue describes an uploaded or linked file as entered in a file field.
type FileValue struct {
	Type           string `json:"type,omitempty"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
	URL            string `json:"url,omitempty"`
	Name           string `json:"name,omitempty"`
	Progress       int    `json:"progress,omitempty"`
}

// Uploading reports whether a local upload has not produced a file ID yet.
func (f FileValue) Uploading() bool {
	return f.TransferMethod == TransferLocalFile && f.UploadFileID == ""
}

// Trace is a single inner-node execution record of an iteration or loop run.
type Trace struct {
	ID     string         `json:"id"`
	NodeID string         `json:"node_id"`
	Index  int            `json:"index"`
	Status RunStatus      `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// RunResult is the outcome of a single-step run.
type RunResult struct {
	RunID       string         `json:"run_id"`
	NodeID      string         `json:"node_id"`
	Status      RunStatus      `json:"status"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	ElapsedMs   int64          `json:"elapsed_ms"`
	TotalTokens int64          `json:"total_tokens,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Traces      []Trace        `json:"traces,omitempty"`
	FinishedAt  time.Time      `json:"finished_at"`
}
