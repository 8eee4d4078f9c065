package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

const secretsTimeout = 10 * time.Second

// secretsSource names the Secrets Manager secret whose JSON object is
// exported into the environment before Load runs.
type secretsSource struct {
	SecretID     string `env:"AWS_SECRETS_MANAGER_SECRET_ID"`
	LegacyID     string `env:"AWS_SECRET_ID"`
	Region       string `env:"AWS_SECRETS_MANAGER_REGION"`
	VersionStage string `env:"AWS_SECRETS_MANAGER_VERSION_STAGE" envDefault:"AWSCURRENT"`
	Overwrite    bool   `env:"AWS_SECRETS_MANAGER_OVERWRITE"`
}

func (s secretsSource) id() string {
	if s.SecretID != "" {
		return s.SecretID
	}
	return s.LegacyID
}

type secretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadEnv exports the configured Secrets Manager secret (if any) and then
// the .env file at ENV_FILE_PATH or defaultEnvPath. Variables already set
// in the process win over the secret unless AWS_SECRETS_MANAGER_OVERWRITE
// is true; godotenv never overrides them.
func LoadEnv(defaultEnvPath string) {
	var src secretsSource
	if err := env.Parse(&src); err != nil {
		logging.Warn("Config", "ignoring secrets manager settings: %v", err)
	} else if src.id() != "" {
		ctx, cancel := context.WithTimeout(context.Background(), secretsTimeout)
		err := loadSecrets(ctx, src, nil)
		cancel()
		if err != nil {
			logging.Warn("Config", "secrets manager load skipped: %v", err)
		}
	}

	path := os.Getenv("ENV_FILE_PATH")
	if path == "" {
		path = defaultEnvPath
	}
	if err := godotenv.Load(path); err != nil {
		logging.Debug("Config", "no env file at %s, using process environment", path)
	}
}

// loadSecrets fetches src and applies it. A nil client is built from the
// default AWS credential chain.
func loadSecrets(ctx context.Context, src secretsSource, client secretGetter) error {
	if client == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if src.Region != "" {
			opts = append(opts, awsconfig.WithRegion(src.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return errs.E(errs.KindConfiguration, "config.loadSecrets", err)
		}
		client = secretsmanager.NewFromConfig(awsCfg)
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(src.id()),
		VersionStage: aws.String(src.VersionStage),
	})
	if err != nil {
		return errs.E(errs.KindTransientRemote, "config.loadSecrets", fmt.Errorf("secret %s: %w", src.id(), err))
	}

	var payload []byte
	switch {
	case out.SecretString != nil:
		payload = []byte(*out.SecretString)
	case len(out.SecretBinary) > 0:
		payload = out.SecretBinary
	default:
		return errs.Configuration("config.loadSecrets", "secret %s is empty", src.id())
	}

	n, err := applySecretPayload(payload, src.Overwrite)
	if err != nil {
		return fmt.Errorf("secret %s: %w", src.id(), err)
	}
	logging.Info("Config", "exported %d variables from secret %s", n, src.id())
	return nil
}

// applySecretPayload sets every top-level key of a JSON object as an
// environment variable. Nested objects and arrays are rejected.
func applySecretPayload(payload []byte, overwrite bool) (int, error) {
	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err != nil {
		return 0, errs.Configuration("config.applySecretPayload", "secret is not a JSON object: %v", err)
	}

	n := 0
	for key, raw := range kv {
		var val string
		switch v := raw.(type) {
		case string:
			val = v
		case float64, bool:
			val = fmt.Sprint(v)
		case nil:
			continue
		default:
			return n, errs.Configuration("config.applySecretPayload", "secret key %s is not a scalar", key)
		}
		if _, set := os.LookupEnv(key); set && !overwrite {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return n, fmt.Errorf("setting %s: %w", key, err)
		}
		n++
	}
	return n, nil
}
