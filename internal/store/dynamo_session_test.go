package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/trella/pod-capture/internal/quality"
)

func testSessionRecord(version int) *SessionRecord {
	return &SessionRecord{
		ID:           "sess-1",
		ShipmentKey:  "shp1",
		State:        "accepted",
		Mode:         "single",
		AttemptsUsed: 1,
		LastVerdict: &quality.Verdict{
			Passed:  true,
			Reasons: []quality.ReasonCode{},
			Scores:  map[string]any{"sharpness": 412.5},
		},
		Accepted:  &StagedRecord{Ref: "ref-1", ContentType: "image/jpeg", SHA256: "ab", StagedAt: fixedTime},
		Version:   version,
		UpdatedAt: fixedTime,
		ExpiresAt: fixedTime.Add(30 * time.Minute).Unix(),
	}
}

func TestDynamoSessions_PutGet(t *testing.T) {
	fake := newFakeDynamo()
	d := NewDynamoSessions(fake, "pod-submissions")
	d.now = func() time.Time { return fixedTime }
	ctx := context.Background()

	if err := d.PutSession(ctx, testSessionRecord(1)); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}
	item := fake.puts[0].Item
	if pk := item["PK"].(*types.AttributeValueMemberS).Value; pk != "SESSION#sess-1" {
		t.Errorf("PK = %q, want SESSION#sess-1", pk)
	}
	if _, ok := item["expiresAt"].(*types.AttributeValueMemberN); !ok {
		t.Errorf("expiresAt = %T, want number for TTL", item["expiresAt"])
	}

	got, err := d.GetSession(ctx, "sess-1")
	if err != nil || got == nil {
		t.Fatalf("GetSession() = %v, %v", got, err)
	}
	if got.ID != "sess-1" || got.ShipmentKey != "shp1" || got.State != "accepted" || got.Version != 1 {
		t.Errorf("GetSession() = %+v", got)
	}
	if got.Accepted == nil || got.Accepted.Ref != "ref-1" || !got.LastVerdict.Passed {
		t.Errorf("GetSession() images/verdict = %+v, %+v", got.Accepted, got.LastVerdict)
	}

	missing, err := d.GetSession(ctx, "nope")
	if missing != nil || err != nil {
		t.Errorf("GetSession() missing = %v, %v, want nil, nil", missing, err)
	}
}

func TestDynamoSessions_VersionConflict(t *testing.T) {
	fake := newFakeDynamo()
	d := NewDynamoSessions(fake, "pod-submissions")
	d.now = func() time.Time { return fixedTime }
	ctx := context.Background()

	tests := []struct {
		name    string
		version int
		want    error
	}{
		{"create", 1, nil},
		{"stale create", 1, ErrSessionConflict},
		{"next", 2, nil},
		{"skipped version", 4, ErrSessionConflict},
		{"stale update", 2, ErrSessionConflict},
		{"after stale", 3, nil},
	}
	for _, tt := range tests {
		if err := d.PutSession(ctx, testSessionRecord(tt.version)); !errors.Is(err, tt.want) {
			t.Errorf("%s: PutSession(v%d) error = %v, want %v", tt.name, tt.version, err, tt.want)
		}
	}
}

func TestDynamoSessions_ExpiredAndDeleted(t *testing.T) {
	fake := newFakeDynamo()
	d := NewDynamoSessions(fake, "pod-submissions")
	now := fixedTime
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if err := d.PutSession(ctx, testSessionRecord(1)); err != nil {
		t.Fatal(err)
	}

	// TTL deletion lags; an item past expiresAt is treated as gone.
	now = fixedTime.Add(31 * time.Minute)
	if got, err := d.GetSession(ctx, "sess-1"); got != nil || err != nil {
		t.Errorf("GetSession() expired = %v, %v, want nil, nil", got, err)
	}

	now = fixedTime
	if err := d.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if got, _ := d.GetSession(ctx, "sess-1"); got != nil {
		t.Error("GetSession() returned a deleted session")
	}
}

func TestMemorySessions_MatchesDynamo(t *testing.T) {
	m := NewMemorySessions()
	m.now = func() time.Time { return fixedTime }
	ctx := context.Background()

	if err := m.PutSession(ctx, testSessionRecord(2)); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("PutSession(v2) on empty store error = %v, want ErrSessionConflict", err)
	}
	if err := m.PutSession(ctx, testSessionRecord(1)); err != nil {
		t.Fatal(err)
	}
	if err := m.PutSession(ctx, testSessionRecord(1)); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("PutSession(v1) again error = %v, want ErrSessionConflict", err)
	}
	if got, _ := m.GetSession(ctx, "sess-1"); got == nil || got.Version != 1 {
		t.Errorf("GetSession() = %+v", got)
	}
}
