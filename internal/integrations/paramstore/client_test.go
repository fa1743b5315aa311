package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	calls  int
	last   *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.last = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func valueOut(v string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: strPtr(v)}}
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: valueOut("secret-key")}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "/pii/detector-key")
	require.NoError(t, err)
	require.Equal(t, "secret-key", v)
	require.True(t, *api.last.WithDecryption)
}

func TestGetParameter_CachesSuccess(t *testing.T) {
	api := &fakeAPI{getOut: valueOut("secret-key")}
	client, err := New(api)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := client.GetParameter(context.Background(), "/pii/detector-key")
		require.NoError(t, err)
	}
	require.Equal(t, 1, api.calls)
}

func TestGetParameter_DoesNotCacheFailure(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("throttled")}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)

	api.getErr = nil
	api.getOut = valueOut("v")
	v, err := client.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "v", v)
	require.Equal(t, 2, api.calls)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("boom")}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

type fakeGetter struct {
	vals map[string]string
	name string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.name = name
	v, ok := f.vals[name]
	if !ok {
		return "", errors.New("parameter not found")
	}
	return v, nil
}

func TestResolve(t *testing.T) {
	g := &fakeGetter{vals: map[string]string{"/pii/key": "k-123", "/pii/blank": " "}}

	v, err := Resolve(context.Background(), g, "literal-key")
	require.NoError(t, err)
	require.Equal(t, "literal-key", v)
	require.Empty(t, g.name, "literals never hit SSM")

	v, err = Resolve(context.Background(), g, "ssm:/pii/key")
	require.NoError(t, err)
	require.Equal(t, "k-123", v)
	require.Equal(t, "/pii/key", g.name)

	_, err = Resolve(context.Background(), g, "ssm:/pii/blank")
	require.ErrorContains(t, err, "empty")

	_, err = Resolve(context.Background(), g, "ssm:/pii/missing")
	require.ErrorContains(t, err, "not found")

	_, err = Resolve(context.Background(), nil, "ssm:/pii/key")
	require.ErrorContains(t, err, "no client")

	v, err = Resolve(context.Background(), nil, "plain")
	require.NoError(t, err)
	require.Equal(t, "plain", v)
}
