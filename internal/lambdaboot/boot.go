// Package lambdaboot provides the shared cold-start bootstrap for the POD
// Lambda: AWS config, S3, DynamoDB, EventBridge, SSM secrets, and the
// start-up summary log. Each helper fatals on misconfiguration so a broken
// deployment fails at init rather than on the first driver request.
package lambdaboot

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/trella/pod-capture/internal/config"
	"github.com/trella/pod-capture/internal/events"
	"github.com/trella/pod-capture/internal/logging"
	"github.com/trella/pod-capture/internal/s3util"
	"github.com/trella/pod-capture/internal/store"
)

// AWSClients holds the core AWS SDK clients used across Lambdas.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// S3Clients holds the artifact sink, the session image stage, and the
// presigned-URL viewer.
type S3Clients struct {
	Client *s3.Client
	Sink   *s3util.Sink
	Stage  *s3util.Stage
	Viewer *s3util.Viewer
	Bucket string
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitS3 creates the S3 client, artifact sink, and viewer for the
// configured bucket. Fatals if the bucket is not configured.
func InitS3(cfg aws.Config, c config.Config) S3Clients {
	if c.BucketName == "" {
		log.Fatal().Str("envVar", "POD_BUCKET_NAME").Msg("Bucket environment variable is required")
	}
	client := s3.NewFromConfig(cfg)
	return S3Clients{
		Client: client,
		Sink:   s3util.NewSink(client, c.BucketName),
		Stage:  s3util.NewStage(client, c.BucketName),
		Viewer: s3util.NewViewer(s3.NewPresignClient(client), c.BucketName, c.ViewURLExpiry),
		Bucket: c.BucketName,
	}
}

// DynamoStores holds the submission records and the session records,
// which share one table.
type DynamoStores struct {
	Records  *store.DynamoRecords
	Sessions *store.DynamoSessions
}

// InitDynamo creates the submission record and session stores. Fatals if
// the table is not configured.
func InitDynamo(cfg aws.Config, c config.Config) DynamoStores {
	if c.TableName == "" {
		log.Fatal().Str("envVar", "POD_TABLE_NAME").Msg("DynamoDB table environment variable is required")
	}
	client := dynamodb.NewFromConfig(cfg)
	return DynamoStores{
		Records:  store.NewDynamoRecords(client, c.TableName),
		Sessions: store.NewDynamoSessions(client, c.TableName),
	}
}

// InitEvents creates the PodSubmitted publisher. Returns nil (with a
// warning) when no event bus is configured.
func InitEvents(cfg aws.Config, c config.Config) *events.EventBridgePublisher {
	if c.EventBusName == "" {
		log.Warn().Str("envVar", "POD_EVENT_BUS_NAME").Msg("Event bus not set, PodSubmitted events disabled")
		return nil
	}
	return events.NewEventBridgePublisher(eventbridge.NewFromConfig(cfg), c.EventBusName)
}

// LoadShipmentsKey resolves the shipments export API key from SSM when it
// is not set directly. Fatals on error.
func LoadShipmentsKey(ssmClient *ssm.Client, c *config.Config) {
	if err := c.ResolveShipmentsAPIKey(context.Background(), ssmClient); err != nil {
		log.Fatal().Err(err).Str("param", c.ShipmentsAPIKeyParam).Msg("Failed to read shipments API key from SSM")
	}
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
