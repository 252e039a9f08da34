package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/runner"
)

func noopFactory(json.RawMessage, Dependencies) (runner.Runner, error) {
	return runner.Func(func(context.Context, *runner.Input) (*runner.Output, error) {
		return &runner.Output{}, nil
	}), nil
}

func registration(id string) *Registration {
	return &Registration{
		Definition: Definition{
			ID:            id,
			InputType:     InputFile,
			InputProperty: "file_path",
			OutputType:    "json",
		},
		Factory: noopFactory,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(registration("ocr")))

	def, err := r.Definition("ocr")
	require.NoError(t, err)
	assert.Equal(t, "ocr", def.ID)
	assert.Equal(t, InputFile, def.InputType)
	assert.Equal(t, "file_path", def.InputProperty)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	err := r.Register(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	missing := registration("")
	err = r.Register(missing)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	noFactory := registration("x")
	noFactory.Factory = nil
	err = r.Register(noFactory)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	badInput := registration("y")
	badInput.Definition.InputType = "stream"
	err = r.Register(badInput)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(registration("ocr")))

	err := r.Register(registration("ocr"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDefinitionUnknownPlugin(t *testing.T) {
	r := NewRegistry()
	_, err := r.Definition("nope")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCreateInvokesFactory(t *testing.T) {
	r := NewRegistry()
	var gotSettings json.RawMessage
	reg := registration("configured")
	reg.Factory = func(settings json.RawMessage, _ Dependencies) (runner.Runner, error) {
		gotSettings = settings
		return runner.Func(func(context.Context, *runner.Input) (*runner.Output, error) {
			return &runner.Output{}, nil
		}), nil
	}
	require.NoError(t, r.Register(reg))

	rn, err := r.Create("configured", json.RawMessage(`{"lang":"eng"}`), Dependencies{})
	require.NoError(t, err)
	require.NotNil(t, rn)
	assert.JSONEq(t, `{"lang":"eng"}`, string(gotSettings))
}

func TestCreateFactoryErrorIsWrapped(t *testing.T) {
	r := NewRegistry()
	reg := registration("broken")
	reg.Factory = func(json.RawMessage, Dependencies) (runner.Runner, error) {
		return nil, errors.WrapInvalid(fmt.Errorf("bad settings"), "Broken", "New", "settings parsing")
	}
	require.NoError(t, r.Register(reg))

	_, err := r.Create("broken", nil, Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCreateUnknownPlugin(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("ghost", nil, Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(registration(id)))
	}

	defs := r.List()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].ID)
	assert.Equal(t, "mid", defs[1].ID)
	assert.Equal(t, "zeta", defs[2].ID)
}
