package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/poiesic/docflow/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves objects from memory, two keys per listing page.
type fakeS3 struct {
	objects   map[string][]byte
	order     []string
	headErr   error
	getErr    error
	listErr   error
	listCalls int
	prefixes  []string
}

func newFakeS3(keys ...string) *fakeS3 {
	f := &fakeS3{objects: make(map[string][]byte)}
	for _, k := range keys {
		f.order = append(f.order, k)
		f.objects[k] = []byte("content of " + k)
	}
	return f
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *awss3.HeadBucketInput, _ ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
	return &awss3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	content, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(content))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	f.listCalls++
	f.prefixes = append(f.prefixes, aws.ToString(in.Prefix))
	if f.listErr != nil {
		return nil, f.listErr
	}

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range f.order {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := min(start+2, len(f.order))

	out := &awss3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(f.order))}
	for _, k := range f.order[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(f.order) {
		out.NextContinuationToken = aws.String(f.order[end])
	}
	return out, nil
}

func TestNew_HeadBucketFailure(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = errors.New("403 forbidden")

	_, err := New(context.Background(), Config{Bucket: "docs"}, WithClient(fake))
	assert.ErrorIs(t, err, core.ErrConnection)
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{}, WithClient(newFakeS3()))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestSource_ListPaginatesAndSkipsDirectories(t *testing.T) {
	fake := newFakeS3("in/a.pdf", "in/", "in/b.pdf", "in/sub/", "in/sub/c.docx")
	src, err := New(context.Background(), Config{Bucket: "docs", Prefix: "in/"}, WithClient(fake))
	require.NoError(t, err)

	keys, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"in/a.pdf", "in/b.pdf", "in/sub/c.docx"}, keys)
	assert.Equal(t, 3, fake.listCalls)
	assert.Equal(t, "in/", fake.prefixes[0])
}

func TestSource_ListError(t *testing.T) {
	fake := newFakeS3()
	fake.listErr = errors.New("connection reset")
	src, err := New(context.Background(), Config{Bucket: "docs"}, WithClient(fake))
	require.NoError(t, err)

	_, err = src.List(context.Background())
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestSource_Read(t *testing.T) {
	fake := newFakeS3("a.pdf")
	src, err := New(context.Background(), Config{Bucket: "docs"}, WithClient(fake))
	require.NoError(t, err)

	content, err := src.Read(context.Background(), "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("content of a.pdf"), content)

	_, err = src.Read(context.Background(), "missing.pdf")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = src.Read(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrValidation)

	fake.getErr = errors.New("timeout")
	_, err = src.Read(context.Background(), "a.pdf")
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.NotErrorIs(t, err, core.ErrNotFound)

	assert.NoError(t, src.Close())
}
