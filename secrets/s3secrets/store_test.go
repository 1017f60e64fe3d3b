package s3secrets

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/hybridauth/secrets"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	lastPut *s3.PutObjectInput
	failGet error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.lastPut = in
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.failGet != nil {
		return nil, f.failGet
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestStoreRoundTrip(t *testing.T) {
	fake := newFakeS3()
	s := New(fake, "keys", "/portal/")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "pqc/u1/session-secret", []byte("material")))
	assert.Contains(t, fake.objects, "keys/portal/pqc/u1/session-secret")
	assert.Equal(t, types.ServerSideEncryptionAes256, fake.lastPut.ServerSideEncryption)
	assert.Equal(t, int64(8), aws.ToInt64(fake.lastPut.ContentLength))

	got, err := s.Get(ctx, "pqc/u1/session-secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("material"), got)

	require.NoError(t, s.Delete(ctx, "pqc/u1/session-secret"))
	_, err = s.Get(ctx, "pqc/u1/session-secret")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestStoreGetWrapsBackendErrors(t *testing.T) {
	fake := newFakeS3()
	fake.failGet = errors.New("connection reset")
	s := New(fake, "keys", "")

	_, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, secrets.ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestOpenRequiresBucket(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestOpenUsesAWSConfigLoader(t *testing.T) {
	orig := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = orig })

	var called bool
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		called = true
		assert.Len(t, optFns, 2)
		return aws.Config{Region: "us-east-1"}, nil
	}

	s, err := Open(context.Background(), Config{
		Region: "us-east-1", Endpoint: "http://localhost:9000", AccessKey: "minio", SecretKey: "minio123",
		Bucket: "keys", UsePathStyle: true,
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "keys", s.bucket)

	loadDefaultAWSConfig = func(context.Context, ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no credentials")
	}
	_, err = Open(context.Background(), Config{Bucket: "keys"})
	assert.ErrorContains(t, err, "no credentials")
}
