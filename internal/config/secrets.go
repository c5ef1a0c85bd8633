package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretPrefix marks a value to be fetched from SSM Parameter Store.
const SecretPrefix = "ssm:"

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Secrets resolves parameter names to decrypted values.
type Secrets interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ParamStore reads SecureString parameters.
type ParamStore struct {
	api ssmAPI
}

func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("config: ssm api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

func (p *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("config: parameter name is required")
	}
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("config: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("config: parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// NeedsSecrets reports whether any secret field references SSM.
func (c Config) NeedsSecrets() bool {
	for _, f := range c.secretFields() {
		if strings.HasPrefix(*f, SecretPrefix) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every ssm:/name secret value in place.
func (c *Config) ResolveSecrets(ctx context.Context, s Secrets) error {
	for _, f := range c.secretFields() {
		name, ok := strings.CutPrefix(*f, SecretPrefix)
		if !ok {
			continue
		}
		if s == nil {
			return fmt.Errorf("config: %q needs a parameter store", *f)
		}
		v, err := s.GetParameter(ctx, name)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

func (c *Config) secretFields() []*string {
	return []*string{&c.Postgres.DSN, &c.Telegram.AppHash, &c.Artifact.Passphrase, &c.Artifact.MongoURI}
}
