package forms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steprun/pkg/schema"
)

func TestRegistry_UnregisteredKindFallsBackToNoop(t *testing.T) {
	r := NewRegistry()
	node := schema.NodeInstance{ID: "n1", Kind: schema.NodeKindAnswer}

	assert.False(t, r.Has(schema.NodeKindAnswer))
	assert.IsType(t, NoopProvider{}, r.Get(schema.NodeKindAnswer))
	assert.Empty(t, r.Forms(node, nil))
	assert.Nil(t, r.AuxData(node, nil))
	assert.NoError(t, r.CheckConfig(node, nil))
}

func TestRegistry_RegisterRejectsDuplicatesAndUnknownKinds(t *testing.T) {
	r := NewRegistry()
	p := ProviderFunc(func(schema.NodeInstance, *Context) []schema.FormGroup { return nil })

	require.NoError(t, r.Register(schema.NodeKindCode, p))

	err := r.Register(schema.NodeKindCode, p)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	err = r.Register("not-a-kind", p)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	assert.Error(t, r.Register(schema.NodeKindLLM, nil))
}

func TestRegistry_FormsDropsForeignValueKeys(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(schema.NodeKindCode, ProviderFunc(
		func(schema.NodeInstance, *Context) []schema.FormGroup {
			return []schema.FormGroup{{
				Inputs: []schema.InputField{{Variable: "a", Type: schema.FieldText}},
				Values: map[string]any{"a": 1, "stray": 2},
			}}
		})))

	groups := r.Forms(schema.NodeInstance{Kind: schema.NodeKindCode}, nil)
	require.Len(t, groups, 1)
	assert.Equal(t, map[string]any{"a": 1}, groups[0].Values)
}

func TestDefaultRegistry_Kinds(t *testing.T) {
	r := NewDefaultRegistry()
	for _, k := range []schema.NodeKind{
		schema.NodeKindStart, schema.NodeKindLLM, schema.NodeKindCode,
		schema.NodeKindHTTPRequest, schema.NodeKindTool, schema.NodeKindKnowledgeRetrieval,
		schema.NodeKindParameterExtractor, schema.NodeKindQuestionClassifier,
		schema.NodeKindTemplateTransform, schema.NodeKindIteration, schema.NodeKindLoop,
		schema.NodeKindIfElse, schema.NodeKindVariableAggregator, schema.NodeKindVariableAssigner,
		schema.NodeKindDocumentExtractor, schema.NodeKindAgent, schema.NodeKindDataSource,
		schema.NodeKindTriggerSchedule,
	} {
		assert.True(t, r.Has(k), "missing provider for %s", k)
	}
	assert.False(t, r.Has(schema.NodeKindEnd))
	for _, k := range r.Kinds() {
		assert.True(t, k.Valid())
	}
}
