// Package secrets resolves credentials from AWS SSM Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the subset of the SSM client used here.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter fetches a single decrypted parameter value.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ParamStore wraps an SSM API for parameter retrieval.
type ParamStore struct {
	api ssmAPI
}

// NewParamStore creates a ParamStore with the given SSM API implementation.
func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

// NewFromAWSConfig builds a ParamStore on a real SSM client.
func NewFromAWSConfig(cfg aws.Config) *ParamStore {
	return &ParamStore{api: ssm.NewFromConfig(cfg)}
}

func (p *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	if p.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// Resolve fetches every named parameter. The first failure aborts so a
// misconfigured secret is caught at startup.
func Resolve(ctx context.Context, g Getter, names []string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	for _, name := range names {
		if _, ok := values[name]; ok {
			continue
		}
		v, err := g.GetParameter(ctx, name)
		if err != nil {
			return nil, err
		}
		values[name] = v
	}
	return values, nil
}
