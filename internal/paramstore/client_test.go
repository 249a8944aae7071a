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
	names  []string
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.names = append(f.names, *in.Name)
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func valueAPI(v string) *fakeAPI {
	return &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: strPtr(v)}}}
}

func TestGetParameter_HappyPath(t *testing.T) {
	client, err := New(valueAPI("secret"))
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "/apptpipe/twilio/token")
	require.NoError(t, err)
	require.Equal(t, "secret", v)
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

func TestResolve(t *testing.T) {
	api := valueAPI("resolved")
	client, err := New(api)
	require.NoError(t, err)
	ctx := context.Background()

	v, err := Resolve(ctx, client, "plain-value")
	require.NoError(t, err)
	require.Equal(t, "plain-value", v)
	require.Empty(t, api.names)

	v, err = Resolve(ctx, client, "ssm:/apptpipe/graph/secret")
	require.NoError(t, err)
	require.Equal(t, "resolved", v)
	require.Equal(t, []string{"/apptpipe/graph/secret"}, api.names)

	_, err = Resolve(ctx, nil, "ssm:/x")
	require.ErrorContains(t, err, "parameter store")
}

func TestResolveAll(t *testing.T) {
	client, err := New(valueAPI("from-ssm"))
	require.NoError(t, err)

	token := "ssm:/apptpipe/twilio/token"
	sid := "AC123"
	require.NoError(t, ResolveAll(context.Background(), client, map[string]*string{
		"TWILIO_AUTH_TOKEN":  &token,
		"TWILIO_ACCOUNT_SID": &sid,
		"UNSET":              nil,
	}))
	require.Equal(t, "from-ssm", token)
	require.Equal(t, "AC123", sid)

	failing, err := New(&fakeAPI{getErr: errors.New("denied")})
	require.NoError(t, err)
	secret := "ssm:/x"
	err = ResolveAll(context.Background(), failing, map[string]*string{"CLIENT_SECRET": &secret})
	require.ErrorContains(t, err, "CLIENT_SECRET")
	require.Equal(t, "ssm:/x", secret)
}
