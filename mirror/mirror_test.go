package mirror

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/stackctl/internal/testutil"
)

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*input.Bucket+"/"+*input.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[*input.Bucket+"/"+*input.Key]; !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{}, nil
}

func newTestMirror(t *testing.T, client S3API, prefix string) *Mirror {
	t.Helper()
	m, err := New(context.Background(), Options{
		Bucket: "backups",
		Prefix: prefix,
		Client: client,
		Tracer: noop.NewTracerProvider().Tracer("test"),
	})
	require.NoError(t, err)
	return m
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Options{Client: newFakeS3()})
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "0.1.0.tar.gz", newTestMirror(t, newFakeS3(), "").Key("/srv/backups/0.1.0.tar.gz"))
	assert.Equal(t, "host-a/0.1.0-2.tar.gz", newTestMirror(t, newFakeS3(), "/host-a/").Key("/srv/backups/0.1.0-2.tar.gz"))
}

func TestUpload(t *testing.T) {
	client := newFakeS3()
	m := newTestMirror(t, client, "edge")
	p := testutil.WriteFile(t, t.TempDir(), "0.1.0.tar.gz", "archive bytes", 0600)

	key, err := m.Upload(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "edge/0.1.0.tar.gz", key)
	assert.Equal(t, []byte("archive bytes"), client.objects["backups/edge/0.1.0.tar.gz"])

	_, err = m.Upload(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, client.puts, "an existing object is not uploaded again")
}

func TestUpload_Errors(t *testing.T) {
	client := newFakeS3()
	m := newTestMirror(t, client, "")

	_, err := m.Upload(context.Background(), "/does/not/exist.tar.gz")
	assert.Error(t, err)

	client.headErr = errors.New("access denied")
	p := testutil.WriteFile(t, t.TempDir(), "0.1.0.tar.gz", "x", 0600)
	_, err = m.Upload(context.Background(), p)
	assert.ErrorContains(t, err, "access denied")
	assert.Zero(t, client.puts)
}
