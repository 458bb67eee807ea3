package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// Session items share the submissions table: PK = SESSION#{id}, SK = META.
const (
	sessionPKPrefix = "SESSION#"
	skMeta          = "META"
)

// DynamoSessionAPI is the subset of *dynamodb.Client used by DynamoSessions.
type DynamoSessionAPI interface {
	DynamoAPI
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoSessions implements SessionStore on DynamoDB. Items carry an
// expiresAt attribute for the table's TTL; since TTL deletion is lazy,
// GetSession also ignores items already past it.
type DynamoSessions struct {
	client    DynamoSessionAPI
	tableName string
	now       func() time.Time
}

var _ SessionStore = (*DynamoSessions)(nil)

// NewDynamoSessions creates a DynamoSessions for the given table.
func NewDynamoSessions(client DynamoSessionAPI, tableName string) *DynamoSessions {
	return &DynamoSessions{client: client, tableName: tableName, now: time.Now}
}

func sessionPK(id string) string {
	return sessionPKPrefix + id
}

func sessionKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func (d *DynamoSessions) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &d.tableName,
		Key:            sessionKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s SK=%s: %w", sessionPK(id), skMeta, err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var rec SessionRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal PK=%s SK=%s: %w", sessionPK(id), skMeta, err)
	}
	if pkAttr, ok := result.Item["PK"].(*types.AttributeValueMemberS); ok {
		rec.ID = strings.TrimPrefix(pkAttr.Value, sessionPKPrefix)
	} else {
		rec.ID = id
	}
	if rec.Expired(d.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (d *DynamoSessions) PutSession(ctx context.Context, rec *SessionRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	pk := sessionPK(rec.ID)
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt, 10)}

	start := time.Now()
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &d.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR version = :prev"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Version - 1)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrSessionConflict
		}
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, skMeta, err)
	}

	log.Debug().
		Str("pk", pk).
		Int("version", rec.Version).
		Dur("duration", time.Since(start)).
		Msg("Session persisted to DynamoDB")
	return nil
}

func (d *DynamoSessions) DeleteSession(ctx context.Context, id string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &d.tableName,
		Key:       sessionKey(id),
	})
	if err != nil {
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", sessionPK(id), skMeta, err)
	}
	return nil
}
