package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory table keyed by PK|SK that honours the
// attribute_not_exists(PK) condition.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	puts     []*dynamodb.PutItemInput
	gets     []*dynamodb.GetItemInput
	failPuts error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(item map[string]types.AttributeValue) string {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	if f.failPuts != nil {
		return nil, f.failPuts
	}
	k := keyOf(in.Item)
	existing, exists := f.items[k]
	failed := false
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(PK)":
		failed = exists
	case "attribute_not_exists(PK) OR version = :prev":
		if exists {
			prev := in.ExpressionAttributeValues[":prev"].(*types.AttributeValueMemberN).Value
			cur, _ := existing["version"].(*types.AttributeValueMemberN)
			failed = cur == nil || cur.Value != prev
		}
	}
	if failed {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, in)
	item, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func TestDynamoRecords_CreateGet(t *testing.T) {
	fake := newFakeDynamo()
	d := NewDynamoRecords(fake, "pod-submissions")
	ctx := context.Background()

	rec := &PodSubmission{
		ShipmentKey:      "shp1",
		SubmissionID:     "sub-1",
		ArtifactPaths:    []string{"shp1/pod_0_x.jpg"},
		Artifacts:        []ArtifactInfo{{Index: 0, Ref: "shp1/pod_0_x.jpg", ContentType: "image/jpeg", Size: 10, SHA256: "ab"}},
		UploadMode:       UploadSingle,
		SubmittedAt:      fixedTime,
		ShipmentSnapshot: map[string]string{"carrier": "Ahmed"},
		Language:         "en",
	}
	if err := d.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	put := fake.puts[0]
	if aws.ToString(put.TableName) != "pod-submissions" {
		t.Errorf("TableName = %q", aws.ToString(put.TableName))
	}
	if pk := put.Item["PK"].(*types.AttributeValueMemberS).Value; pk != "SHIPMENT#shp1" {
		t.Errorf("PK = %q, want SHIPMENT#shp1", pk)
	}
	if _, ok := put.Item["expiresAt"]; ok {
		t.Error("submission item carries a TTL attribute")
	}

	got, err := d.Get(ctx, "shp1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ShipmentKey != "shp1" || got.SubmissionID != "sub-1" || !got.SubmittedAt.Equal(fixedTime) ||
		got.ShipmentSnapshot["carrier"] != "Ahmed" || got.Artifacts[0].ContentType != "image/jpeg" {
		t.Errorf("Get() = %+v", got)
	}
	if !aws.ToBool(fake.gets[0].ConsistentRead) {
		t.Error("Get() did not request a consistent read")
	}
}

func TestDynamoRecords_ConditionalCreate(t *testing.T) {
	d := NewDynamoRecords(newFakeDynamo(), "t")
	ctx := context.Background()

	if err := d.Create(ctx, &PodSubmission{ShipmentKey: "shp1", SubmissionID: "first"}); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	err := d.Create(ctx, &PodSubmission{ShipmentKey: "shp1", SubmissionID: "second"})
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("second Create() error = %v, want ErrAlreadySubmitted", err)
	}
	got, _ := d.Get(ctx, "shp1")
	if got.SubmissionID != "first" {
		t.Errorf("stored SubmissionID = %q, want first", got.SubmissionID)
	}
}

func TestDynamoRecords_HasAndMissing(t *testing.T) {
	fake := newFakeDynamo()
	d := NewDynamoRecords(fake, "t")
	ctx := context.Background()

	if _, err := d.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if ok, err := d.Has(ctx, "nope"); ok || err != nil {
		t.Errorf("Has() = %v, %v", ok, err)
	}
	_ = d.Create(ctx, &PodSubmission{ShipmentKey: "shp1"})
	if ok, err := d.Has(ctx, "shp1"); !ok || err != nil {
		t.Errorf("Has() = %v, %v, want true", ok, err)
	}
	last := fake.gets[len(fake.gets)-1]
	if aws.ToString(last.ProjectionExpression) != "PK" {
		t.Errorf("Has() projection = %q, want PK", aws.ToString(last.ProjectionExpression))
	}
}

func TestDynamoRecords_PutFailure(t *testing.T) {
	fake := newFakeDynamo()
	fake.failPuts = errors.New("ProvisionedThroughputExceededException")
	d := NewDynamoRecords(fake, "t")
	err := d.Create(context.Background(), &PodSubmission{ShipmentKey: "shp1"})
	if err == nil || errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("Create() error = %v, want wrapped put failure", err)
	}
}

func TestDynamoBackedPodStore(t *testing.T) {
	s := NewPodStore(NewMemorySink(), NewDynamoRecords(newFakeDynamo(), "t"))
	ctx := context.Background()

	first, created, err := s.Save(ctx, "shp9", singleArtifact("a"), Metadata{UploadMode: UploadSingle})
	if err != nil || !created {
		t.Fatalf("Save() = %v, %v", created, err)
	}
	again, created, err := s.Save(ctx, "shp9", singleArtifact("b"), Metadata{UploadMode: UploadSingle})
	if err != nil || created || again.SubmissionID != first.SubmissionID {
		t.Errorf("second Save() = %+v, %v, %v", again, created, err)
	}
}
