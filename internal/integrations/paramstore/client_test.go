package paramstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error

	values    map[string]string
	batchErr  error
	batchCall [][]string
	lastGetIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeAPI) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batchCall = append(f.batchCall, in.Names)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &ssm.GetParametersOutput{}
	for _, n := range in.Names {
		v, ok := f.values[n]
		if !ok {
			out.InvalidParameters = append(out.InvalidParameters, n)
			continue
		}
		out.Parameters = append(out.Parameters, types.Parameter{Name: strPtr(n), Value: strPtr(v)})
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(`{"k":"v"}`), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " p ")
	require.NoError(t, err)
	require.Equal(t, `{"k":"v"}`, v)
	require.Equal(t, "p", *api.lastGetIn.Name)
	require.True(t, *api.lastGetIn.WithDecryption)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	_, err = (&Client{}).GetParameters(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestGetParameters_HappyPath(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/a/model": "gpt-mock", "/a/prompt": "be kind"}}
	client, err := New(api)
	require.NoError(t, err)

	got, err := client.GetParameters(context.Background(), "/a/model", " /a/prompt ")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"/a/model": "gpt-mock", "/a/prompt": "be kind"}, got)
	require.Len(t, api.batchCall, 1)
}

func TestGetParameters_ChunksByTen(t *testing.T) {
	api := &fakeAPI{values: map[string]string{}}
	names := make([]string, 23)
	for i := range names {
		names[i] = fmt.Sprintf("/a/p%02d", i)
		api.values[names[i]] = "v"
	}
	client, err := New(api)
	require.NoError(t, err)

	got, err := client.GetParameters(context.Background(), names...)
	require.NoError(t, err)
	require.Len(t, got, 23)
	require.Len(t, api.batchCall, 3)
	require.Len(t, api.batchCall[0], 10)
	require.Len(t, api.batchCall[2], 3)
}

func TestGetParameters_Missing(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/a/model": "gpt-mock"}}
	client, err := New(api)
	require.NoError(t, err)

	_, err = client.GetParameters(context.Background(), "/a/tone", "/a/model", "/a/prompt")
	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []string{"/a/prompt", "/a/tone"}, missing.Names)
}

func TestGetParameters_Errors(t *testing.T) {
	client, err := New(&fakeAPI{batchErr: errors.New("throttled")})
	require.NoError(t, err)

	_, err = client.GetParameters(context.Background(), "/a/model")
	require.ErrorContains(t, err, "throttled")

	_, err = client.GetParameters(context.Background(), "/a/model", " ")
	require.ErrorContains(t, err, "required")

	got, err := client.GetParameters(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}
