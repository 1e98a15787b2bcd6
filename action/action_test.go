package action

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ringAction struct {
	Extension string `json:"extension"`
}

func (a *ringAction) Type() string { return "ring" }
func (a *ringAction) Render(ctx RenderingContext, out *[]ExecuteAction) error {
	if err := ctx.RequireCallID(); err != nil {
		return err
	}
	*out = append(*out, ExecuteAction{Application: "ring", Data: a.Extension})
	return nil
}

func ringFactory(raw json.RawMessage) (Action, error) {
	var a ringAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func TestRegistryCreateAndRender(t *testing.T) {
	r := NewRegistry()
	r.Register("ring", ringFactory)

	a, err := r.Create("ring", json.RawMessage(`{"extension":"1001"}`))
	require.NoError(t, err)

	var out []ExecuteAction
	require.NoError(t, a.Render(RenderingContext{CallID: "call-1"}, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "ring", out[0].Application)
	assert.Equal(t, "1001", out[0].Data)
}

func TestRegistryCreateUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("nonexistent", nil)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestRegistryRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("ring", ringFactory)
	assert.Panics(t, func() {
		r.Register("ring", ringFactory)
	})
}

func TestRenderingContextRequireCallID(t *testing.T) {
	assert.NoError(t, RenderingContext{IsDialplan: true}.RequireCallID())
	assert.NoError(t, RenderingContext{CallID: "call-2"}.RequireCallID())
	assert.ErrorIs(t, RenderingContext{}.RequireCallID(), CallIdRequired)
}

func TestActionRenderFailsWithoutCallIDOutsideDialplan(t *testing.T) {
	r := NewRegistry()
	r.Register("ring", ringFactory)
	a, err := r.Create("ring", json.RawMessage(`{"extension":"1001"}`))
	require.NoError(t, err)

	var out []ExecuteAction
	err = a.Render(RenderingContext{}, &out)
	assert.ErrorIs(t, err, CallIdRequired)
	assert.Empty(t, out)
}
