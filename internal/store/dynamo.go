package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants. One item per shipment: PK = SHIPMENT#{key}, SK = POD.
const (
	pkPrefix = "SHIPMENT#"
	skPod    = "POD"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoRecords.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoRecords implements RecordStore on a DynamoDB table with a
// PK/SK string key schema. Create uses a conditional PutItem, so the first
// writer wins across every process sharing the table. Items carry no TTL:
// submissions are permanent.
type DynamoRecords struct {
	client    DynamoAPI
	tableName string
}

var _ RecordStore = (*DynamoRecords)(nil)

// NewDynamoRecords creates a DynamoRecords for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoRecords(client DynamoAPI, tableName string) *DynamoRecords {
	return &DynamoRecords{
		client:    client,
		tableName: tableName,
	}
}

func shipmentPK(shipmentKey string) string {
	return pkPrefix + shipmentKey
}

func itemKey(shipmentKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: shipmentPK(shipmentKey)},
		"SK": &types.AttributeValueMemberS{Value: skPod},
	}
}

func (d *DynamoRecords) Create(ctx context.Context, rec *PodSubmission) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	pk := shipmentPK(rec.ShipmentKey)
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: skPod}

	start := time.Now()
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &d.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadySubmitted
		}
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, skPod, err)
	}

	log.Debug().Str("pk", pk).Dur("duration", time.Since(start)).Msg("Submission record persisted to DynamoDB")
	return nil
}

func (d *DynamoRecords) Get(ctx context.Context, shipmentKey string) (*PodSubmission, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &d.tableName,
		Key:            itemKey(shipmentKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s SK=%s: %w", shipmentPK(shipmentKey), skPod, err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var rec PodSubmission
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal PK=%s SK=%s: %w", shipmentPK(shipmentKey), skPod, err)
	}
	if pkAttr, ok := result.Item["PK"].(*types.AttributeValueMemberS); ok {
		rec.ShipmentKey = strings.TrimPrefix(pkAttr.Value, pkPrefix)
	} else {
		rec.ShipmentKey = shipmentKey
	}
	return &rec, nil
}

func (d *DynamoRecords) Has(ctx context.Context, shipmentKey string) (bool, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            &d.tableName,
		Key:                  itemKey(shipmentKey),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("PK"),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", shipmentPK(shipmentKey), skPod, err)
	}
	return result.Item != nil, nil
}
