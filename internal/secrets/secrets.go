// Package secrets resolves source and warehouse database credentials.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/BartekS5/totesys-etl/pkg/models"
)

var (
	// ErrSecretNotFound means the named secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrInvalidSecret means the secret exists but cannot be used.
	ErrInvalidSecret = errors.New("invalid database secret")
)

// Provider resolves database credentials by secret name.
type Provider interface {
	DBCredentials(ctx context.Context, secretName string) (models.DBCredentials, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerProvider reads JSON secrets of the form
// {"host", "port", "user", "password", "database"}.
type SecretsManagerProvider struct {
	client SecretsManagerAPI
}

func NewSecretsManagerProvider(client SecretsManagerAPI) *SecretsManagerProvider {
	return &SecretsManagerProvider{client: client}
}

func (p *SecretsManagerProvider) DBCredentials(ctx context.Context, secretName string) (models.DBCredentials, error) {
	if secretName == "" {
		return models.DBCredentials{}, fmt.Errorf("%w: empty secret name", ErrInvalidSecret)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return models.DBCredentials{}, fmt.Errorf("%w: %s", ErrSecretNotFound, secretName)
		}
		return models.DBCredentials{}, fmt.Errorf("failed to read secret %s: %w", secretName, err)
	}
	return ParseCredentials([]byte(aws.ToString(out.SecretString)))
}

type rawCredentials struct {
	Host     string          `json:"host"`
	Port     json.RawMessage `json:"port"`
	User     string          `json:"user"`
	Username string          `json:"username"`
	Password string          `json:"password"`
	Database string          `json:"database"`
	DBName   string          `json:"dbname"`
}

// ParseCredentials decodes a credential secret. port may be a number or a
// string; username/dbname are accepted as aliases used by RDS-managed secrets.
func ParseCredentials(data []byte) (models.DBCredentials, error) {
	var raw rawCredentials
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.DBCredentials{}, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}

	c := models.DBCredentials{
		Host:     raw.Host,
		User:     raw.User,
		Password: raw.Password,
		Database: raw.Database,
	}
	if c.User == "" {
		c.User = raw.Username
	}
	if c.Database == "" {
		c.Database = raw.DBName
	}

	port, err := parsePort(raw.Port)
	if err != nil {
		return models.DBCredentials{}, err
	}
	c.Port = port

	missing := []string{}
	for name, v := range map[string]string{"host": c.Host, "user": c.User, "password": c.Password, "database": c.Database} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return models.DBCredentials{}, fmt.Errorf("%w: missing keys %v", ErrInvalidSecret, missing)
	}
	return c, nil
}

func parsePort(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: missing keys [port]", ErrInvalidSecret)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: port must be a number", ErrInvalidSecret)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q is not a number", ErrInvalidSecret, s)
	}
	return n, nil
}

// StaticProvider serves fixed credentials keyed by secret name.
type StaticProvider map[string]models.DBCredentials

func (s StaticProvider) DBCredentials(ctx context.Context, secretName string) (models.DBCredentials, error) {
	c, ok := s[secretName]
	if !ok {
		return models.DBCredentials{}, fmt.Errorf("%w: %s", ErrSecretNotFound, secretName)
	}
	return c, nil
}
