package s3util

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/trella/pod-capture/internal/store"
)

type fakePut struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePut) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestSinkPut(t *testing.T) {
	fake := &fakePut{}
	sink := NewSink(fake, "pod-artifacts")

	ref, err := sink.Put(context.Background(), "shp1/pod_0_x.jpg", []byte("jpeg"), "image/jpeg")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ref != "shp1/pod_0_x.jpg" {
		t.Errorf("ref = %q", ref)
	}
	if aws.ToString(fake.in.Bucket) != "pod-artifacts" || aws.ToString(fake.in.ContentType) != "image/jpeg" {
		t.Errorf("PutObjectInput = %+v", fake.in)
	}
	if aws.ToString(fake.in.Tagging) != "Project=pod-capture" {
		t.Errorf("Tagging = %q", aws.ToString(fake.in.Tagging))
	}
	if aws.ToInt64(fake.in.ContentLength) != 4 || string(fake.body) != "jpeg" {
		t.Errorf("body = %q (len %d)", fake.body, aws.ToInt64(fake.in.ContentLength))
	}
}

func TestSinkPutError(t *testing.T) {
	sink := NewSink(&fakePut{err: errors.New("AccessDenied")}, "b")
	if _, err := sink.Put(context.Background(), "k", []byte("x"), "image/jpeg"); err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Errorf("Put() error = %v", err)
	}
}

func TestViewerURL(t *testing.T) {
	client := s3.New(s3.Options{
		Region: "eu-west-1",
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}, nil
		}),
	})
	v := NewViewer(s3.NewPresignClient(client), "pod-artifacts", 15*time.Minute)

	url, err := v.URL(context.Background(), "shp1/pod_0_x.jpg")
	if err != nil {
		t.Fatalf("URL() error = %v", err)
	}
	for _, want := range []string{"pod-artifacts", "shp1/pod_0_x.jpg", "X-Amz-Expires=900"} {
		if !strings.Contains(url, want) {
			t.Errorf("URL() = %q, missing %q", url, want)
		}
	}
}

type fakeStage struct {
	fakePut
	objects map[string][]byte
}

func (f *fakeStage) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	out, err := f.fakePut.PutObject(ctx, in, opts...)
	if err == nil {
		f.objects[aws.ToString(in.Key)] = f.body
	}
	return out, err
}

func (f *fakeStage) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestStage_RoundTrip(t *testing.T) {
	fake := &fakeStage{objects: make(map[string][]byte)}
	st := NewStage(fake, "pod-artifacts")
	ctx := context.Background()

	if err := st.PutStaged(ctx, "sess-1", "ref-1", []byte("jpeg"), "image/jpeg"); err != nil {
		t.Fatalf("PutStaged() error = %v", err)
	}
	if got := aws.ToString(fake.in.Key); got != "sessions/sess-1/ref-1" {
		t.Errorf("key = %q, want sessions/sess-1/ref-1", got)
	}

	data, err := st.GetStaged(ctx, "sess-1", "ref-1")
	if err != nil || string(data) != "jpeg" {
		t.Errorf("GetStaged() = %q, %v", data, err)
	}
	if _, err := st.GetStaged(ctx, "sess-1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetStaged() missing error = %v, want ErrNotFound", err)
	}
}
