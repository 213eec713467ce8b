package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	values map[string]string
	err    error
	calls  []string
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls = append(f.calls, *in.Name)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[*in.Name]
	if !ok {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: &v}}, nil
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/chatrelay/key": "s3cret"}}
	ps, err := NewParamStore(api)
	require.NoError(t, err)

	v, err := ps.GetParameter(context.Background(), " /chatrelay/key ")
	require.NoError(t, err)
	require.Equal(t, "s3cret", v)
	require.Equal(t, []string{"/chatrelay/key"}, api.calls)
}

func TestGetParameter_MissingValue(t *testing.T) {
	ps, err := NewParamStore(&fakeAPI{})
	require.NoError(t, err)
	_, err = ps.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_APIError(t *testing.T) {
	ps, err := NewParamStore(&fakeAPI{err: errors.New("boom")})
	require.NoError(t, err)
	_, err = ps.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_EmptyName(t *testing.T) {
	ps, err := NewParamStore(&fakeAPI{})
	require.NoError(t, err)
	_, err = ps.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestGetParameter_NotInitialized(t *testing.T) {
	_, err := (&ParamStore{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestNewParamStore_NilAPI(t *testing.T) {
	_, err := NewParamStore(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestResolve(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"a": "1", "b": "2"}}
	ps, err := NewParamStore(api)
	require.NoError(t, err)

	got, err := Resolve(context.Background(), ps, []string{"a", "b", "a"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, got)
	require.Len(t, api.calls, 2)
}

func TestResolve_StopsOnError(t *testing.T) {
	ps, err := NewParamStore(&fakeAPI{values: map[string]string{"a": "1"}})
	require.NoError(t, err)

	_, err = Resolve(context.Background(), ps, []string{"a", "missing"})
	require.ErrorContains(t, err, `"missing"`)
}
