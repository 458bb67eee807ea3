package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"POD_STORAGE_DIR", "POD_LISTEN_ADDR", "POD_SESSION_TTL", "POD_MAX_IMAGE_BYTES", "POD_VIEW_URL_EXPIRY", "SSM_SHIPMENTS_API_KEY_PARAM"} {
		t.Setenv(k, "")
	}
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.StorageDir != DefaultStorageDir || c.ListenAddr != DefaultListenAddr || c.SessionTTL != DefaultSessionTTL ||
		c.MaxImageBytes != DefaultMaxImageBytes || c.ShipmentsAPIKeyParam != DefaultShipmentsKeyParam {
		t.Errorf("Load() = %+v", c)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POD_BUCKET_NAME", "pod-artifacts")
	t.Setenv("POD_TABLE_NAME", "pod-submissions")
	t.Setenv("POD_SESSION_TTL", "45m")
	t.Setenv("POD_MAX_IMAGE_BYTES", "1048576")
	t.Setenv("POD_STORAGE_DIR", "/var/pod")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.SessionTTL != 45*time.Minute || c.MaxImageBytes != 1<<20 || c.StorageDir != "/var/pod" {
		t.Errorf("Load() = %+v", c)
	}
	if err := c.RequireLambda(); err != nil {
		t.Errorf("RequireLambda() error = %v", err)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		"POD_SESSION_TTL":     "soon",
		"POD_MAX_IMAGE_BYTES": "-5",
		"POD_VIEW_URL_EXPIRY": "0s",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			env := map[string]string{name: value}
			if _, err := FromEnv(func(k string) string { return env[k] }); err == nil {
				t.Errorf("FromEnv(%s=%q) error = nil", name, value)
			}
		})
	}
}

func TestRequireLambda(t *testing.T) {
	if err := (Config{TableName: "t"}).RequireLambda(); err == nil {
		t.Error("RequireLambda() without bucket error = nil")
	}
	if err := (Config{BucketName: "b"}).RequireLambda(); err == nil {
		t.Error("RequireLambda() without table error = nil")
	}
}

type fakeSSM struct {
	name  string
	value string
	err   error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.name = aws.ToString(in.Name)
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(f.value)}}, nil
}

func TestResolveShipmentsAPIKey(t *testing.T) {
	ctx := context.Background()

	c := Config{ShipmentsCSVURL: "https://redash.example.com/q.csv", ShipmentsAPIKeyParam: "/pod/key"}
	f := &fakeSSM{value: "k3y"}
	if err := c.ResolveShipmentsAPIKey(ctx, f); err != nil {
		t.Fatal(err)
	}
	if c.ShipmentsAPIKey != "k3y" || f.name != "/pod/key" {
		t.Errorf("key = %q from %q", c.ShipmentsAPIKey, f.name)
	}

	// Explicit key wins; SSM untouched.
	c = Config{ShipmentsCSVURL: "x", ShipmentsAPIKey: "env"}
	f = &fakeSSM{err: errors.New("should not be called")}
	if err := c.ResolveShipmentsAPIKey(ctx, f); err != nil || f.name != "" {
		t.Errorf("ResolveShipmentsAPIKey() = %v, called %q", err, f.name)
	}

	c = Config{ShipmentsCSVURL: "x", ShipmentsAPIKeyParam: "/pod/key"}
	if err := c.ResolveShipmentsAPIKey(ctx, &fakeSSM{err: errors.New("AccessDenied")}); err == nil {
		t.Error("ResolveShipmentsAPIKey() error = nil on SSM failure")
	}
	if err := c.ResolveShipmentsAPIKey(ctx, &fakeSSM{value: ""}); err == nil {
		t.Error("ResolveShipmentsAPIKey() error = nil for empty parameter")
	}
}
