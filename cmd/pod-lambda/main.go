// Package main is the Lambda entry point for the POD capture API.
//
// The driver web app talks to it through CloudFront and API Gateway:
//
//	GET  /api/health                         health check
//	GET  /api/shipments/{key}                shipment details + session
//	POST /api/shipments/{key}/attempts       upload one photo (raw body)
//	POST /api/shipments/{key}/submit         persist accepted photo(s)
//	GET  /api/shipments/{key}/submission     stored record + view URLs
//
// Artifacts go to S3, the submission record to DynamoDB, and a
// PodSubmitted event to EventBridge. Sessions live in the same table as
// TTL items and their staged photos under sessions/ in the bucket.
package main

import (
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/trella/pod-capture/internal/api"
	"github.com/trella/pod-capture/internal/config"
	"github.com/trella/pod-capture/internal/lambdaboot"
	"github.com/trella/pod-capture/internal/logging"
	"github.com/trella/pod-capture/internal/photometa"
	"github.com/trella/pod-capture/internal/quality"
	"github.com/trella/pod-capture/internal/shipment"
	"github.com/trella/pod-capture/internal/store"
	"github.com/trella/pod-capture/internal/submission"
)

var handler *api.Handler

func init() {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := cfg.RequireLambda(); err != nil {
		log.Fatal().Err(err).Msg("Missing Lambda configuration")
	}
	if cfg.OriginVerifySecret == "" {
		log.Warn().Msg("ORIGIN_VERIFY_SECRET not set, origin verification disabled")
	}

	clients := lambdaboot.InitAWS()
	s3c := lambdaboot.InitS3(clients.Config, cfg)
	dynamo := lambdaboot.InitDynamo(clients.Config, cfg)
	lambdaboot.LoadShipmentsKey(clients.SSM, &cfg)

	opts := submission.Options{Capture: photometa.ExtractOrNil}
	if pub := lambdaboot.InitEvents(clients.Config, cfg); pub != nil {
		opts.Publisher = pub
	}

	var lookup shipment.Lookup
	if cfg.ShipmentsCSVURL != "" {
		src, err := shipment.NewCSVSource(cfg.ShipmentsCSVURL, cfg.ShipmentsAPIKey, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid shipments export URL")
		}
		lookup = src
		opts.Shipments = src
	} else {
		log.Warn().Str("envVar", "SHIPMENTS_CSV_URL").Msg("Shipments export not set, lookups and snapshots disabled")
	}

	wf := submission.NewWorkflow(
		quality.NewAnalyzer(quality.DefaultThresholds()),
		store.NewPodStore(s3c.Sink, dynamo.Records),
		// Consecutive requests of one driver may reach different containers.
		submission.NewSharedRegistry(cfg.SessionTTL, dynamo.Sessions, s3c.Stage),
		opts,
	)
	handler = api.New(wf, api.Options{
		Shipments:          lookup,
		Viewer:             s3c.Viewer,
		MaxImageBytes:      cfg.MaxImageBytes,
		OriginVerifySecret: cfg.OriginVerifySecret,
	})

	lambdaboot.StartupLog("pod-lambda", initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		S3Bucket("artifacts", cfg.BucketName).
		DynamoTable("submissions", cfg.TableName).
		EventBus("events", cfg.EventBusName).
		SSMParam("shipmentsApiKey", cfg.ShipmentsAPIKeyParam).
		Feature("shipmentLookup", lookup != nil).
		Feature("originVerify", cfg.OriginVerifySecret != "").
		Feature("sharedSessions", wf.Sessions().Shared()).
		Config("sessionTTL", cfg.SessionTTL.String()).
		Log()
}

func main() {
	adapter := httpadapter.NewV2(handler.Routes())
	lambda.Start(adapter.ProxyWithContext)
}
