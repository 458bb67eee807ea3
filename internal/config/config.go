// Package config collects the environment-driven settings shared by the
// POD binaries. Values are read once at start.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStorageDir    = "pod_uploads"
	DefaultListenAddr    = ":8080"
	DefaultSessionTTL    = 30 * time.Minute
	DefaultMaxImageBytes = 15 << 20
	DefaultViewURLExpiry = 15 * time.Minute

	// DefaultShipmentsKeyParam is the SSM parameter holding the export API key.
	DefaultShipmentsKeyParam = "/pod-capture/prod/shipments-api-key"
)

// Config holds every setting read from the environment.
type Config struct {
	BucketName   string // POD_BUCKET_NAME
	TableName    string // POD_TABLE_NAME
	EventBusName string // POD_EVENT_BUS_NAME

	ShipmentsCSVURL      string // SHIPMENTS_CSV_URL
	ShipmentsAPIKey      string // SHIPMENTS_API_KEY
	ShipmentsAPIKeyParam string // SSM_SHIPMENTS_API_KEY_PARAM

	AppBaseURL         string // APP_BASE_URL
	OriginVerifySecret string // ORIGIN_VERIFY_SECRET

	StorageDir    string        // POD_STORAGE_DIR
	ListenAddr    string        // POD_LISTEN_ADDR
	SessionTTL    time.Duration // POD_SESSION_TTL
	MaxImageBytes int64         // POD_MAX_IMAGE_BYTES
	ViewURLExpiry time.Duration // POD_VIEW_URL_EXPIRY
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return FromEnv(os.Getenv)
}

// FromEnv reads the configuration through getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Config{
		BucketName:           getenv("POD_BUCKET_NAME"),
		TableName:            getenv("POD_TABLE_NAME"),
		EventBusName:         getenv("POD_EVENT_BUS_NAME"),
		ShipmentsCSVURL:      getenv("SHIPMENTS_CSV_URL"),
		ShipmentsAPIKey:      getenv("SHIPMENTS_API_KEY"),
		ShipmentsAPIKeyParam: orDefault(getenv("SSM_SHIPMENTS_API_KEY_PARAM"), DefaultShipmentsKeyParam),
		AppBaseURL:           getenv("APP_BASE_URL"),
		OriginVerifySecret:   getenv("ORIGIN_VERIFY_SECRET"),
		StorageDir:           orDefault(getenv("POD_STORAGE_DIR"), DefaultStorageDir),
		ListenAddr:           orDefault(getenv("POD_LISTEN_ADDR"), DefaultListenAddr),
		SessionTTL:           DefaultSessionTTL,
		MaxImageBytes:        DefaultMaxImageBytes,
		ViewURLExpiry:        DefaultViewURLExpiry,
	}

	var err error
	if c.SessionTTL, err = durationVar(getenv, "POD_SESSION_TTL", DefaultSessionTTL); err != nil {
		return Config{}, err
	}
	if c.ViewURLExpiry, err = durationVar(getenv, "POD_VIEW_URL_EXPIRY", DefaultViewURLExpiry); err != nil {
		return Config{}, err
	}
	if v := getenv("POD_MAX_IMAGE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("POD_MAX_IMAGE_BYTES: want a positive integer, got %q", v)
		}
		c.MaxImageBytes = n
	}
	return c, nil
}

// RequireLambda checks the settings the Lambda deployment cannot run without.
func (c Config) RequireLambda() error {
	if c.BucketName == "" {
		return fmt.Errorf("POD_BUCKET_NAME is required")
	}
	if c.TableName == "" {
		return fmt.Errorf("POD_TABLE_NAME is required")
	}
	return nil
}

// ParameterAPI is the subset of the SSM client used to resolve secrets.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveShipmentsAPIKey loads the export API key from SSM when it was not
// given directly. Only the parameter name is logged.
func (c *Config) ResolveShipmentsAPIKey(ctx context.Context, client ParameterAPI) error {
	if c.ShipmentsAPIKey != "" || c.ShipmentsCSVURL == "" {
		return nil
	}
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(c.ShipmentsAPIKeyParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("read %s from SSM: %w", c.ShipmentsAPIKeyParam, err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return fmt.Errorf("SSM parameter %s is empty", c.ShipmentsAPIKeyParam)
	}
	c.ShipmentsAPIKey = aws.ToString(result.Parameter.Value)
	log.Debug().
		Str("param", c.ShipmentsAPIKeyParam).
		Dur("elapsed", time.Since(start)).
		Msg("Shipments API key loaded from SSM")
	return nil
}

func durationVar(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: want a positive duration, got %q", name, v)
	}
	return d, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
