package broker

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDeadLetters(t *testing.T, store DeadLetterStore, count int) []DeadLetter {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]DeadLetter, 0, count)
	for i := 0; i < count; i++ {
		entry, err := store.Put(context.Background(), DeadLetter{
			Queue:         "launch",
			MessageID:     uuid.NewString(),
			Kind:          "finish_launch",
			CorrelationID: uuid.NewString(),
			Body:          []byte(`{"kind":"finish_launch"}`),
			FailureClass:  "blocked",
			FailureReason: "launch has in-progress items",
			AttemptCount:  30,
			FailedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		out = append(out, entry)
	}
	return out
}

func assertDeadLetterPaging(t *testing.T, store DeadLetterStore) {
	t.Helper()
	ctx := context.Background()
	seeded := seedDeadLetters(t, store, 5)

	first, err := store.List(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotNil(t, first.NextCursor)
	assert.Equal(t, seeded[4].ID, first.Items[0].ID, "newest failure first")
	assert.Equal(t, seeded[3].ID, first.Items[1].ID)

	second, err := store.List(ctx, *first.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, seeded[2].ID, second.Items[0].ID)

	last, err := store.List(ctx, *second.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, last.Items, 1)
	assert.Nil(t, last.NextCursor)

	_, err = store.List(ctx, "no-such-cursor", 2)
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, err := store.Get(ctx, seeded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, seeded[0].CorrelationID, got.CorrelationID)
	assert.JSONEq(t, `{"kind":"finish_launch"}`, string(got.Body))

	require.NoError(t, store.Delete(ctx, seeded[0].ID))
	_, err = store.Get(ctx, seeded[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, seeded[0].ID), ErrNotFound)
}

func TestMemoryDeadLetterStorePaging(t *testing.T) {
	assertDeadLetterPaging(t, NewMemoryDeadLetterStore())
}

func TestMemoryDeadLetterStoreCopiesBody(t *testing.T) {
	store := NewMemoryDeadLetterStore()
	body := []byte(`{"a":1}`)
	entry, err := store.Put(context.Background(), DeadLetter{Queue: "log", Body: body})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.FailedAt.IsZero())

	body[2] = 'b'
	got, err := store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got.Body))
}

func TestFileDeadLetterStorePagingAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead-letters.json")
	store, err := NewFileDeadLetterStore(path)
	require.NoError(t, err)
	assertDeadLetterPaging(t, store)

	reopened, err := NewFileDeadLetterStore(path)
	require.NoError(t, err)
	page, err := reopened.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 4)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(params.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(params.Prefix)
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestS3DeadLetterStorePaging(t *testing.T) {
	client := newFakeS3()
	store, err := NewS3DeadLetterStore(client, "relayreport-dlq", "/prod/")
	require.NoError(t, err)
	assertDeadLetterPaging(t, store)

	client.mu.Lock()
	defer client.mu.Unlock()
	for key := range client.objects {
		assert.True(t, strings.HasPrefix(key, "prod/"), key)
		assert.True(t, strings.HasSuffix(key, ".json"), key)
	}
}

func TestS3DeadLetterStoreRejectsMissingBucket(t *testing.T) {
	_, err := NewS3DeadLetterStore(newFakeS3(), " ", "x")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewS3DeadLetterStoreFromDSN(context.Background(), "s3:///nobucket")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegistryBuildsDeadLetterStores(t *testing.T) {
	registry := NewRegistry()
	store, err := registry.BuildDeadLetterStore(context.Background(), "memory://")
	require.NoError(t, err)
	_, ok := store.(*MemoryDeadLetterStore)
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "dlq.json")
	store, err = registry.BuildDeadLetterStore(context.Background(), path)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), DeadLetter{Queue: "item", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestPostgresDeadLetterStoreIntegration(t *testing.T) {
	dsn := os.Getenv("RELAYREPORT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYREPORT_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresDeadLetterStore(dsn)
	require.NoError(t, err)
	store.tableName = "relayreport_dead_letters_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	t.Cleanup(func() {
		if store.db != nil {
			_, _ = store.db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(store.tableName))
		}
		_ = store.Close()
	})
	assertDeadLetterPaging(t, store)
}

func TestPostgresQueueIntegration(t *testing.T) {
	dsn := os.Getenv("RELAYREPORT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYREPORT_TEST_POSTGRES_DSN not set")
	}
	name := "it-" + uuid.NewString()[:8]
	queue, err := NewPostgresQueue(dsn, name, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	published, err := queue.Publish(ctx, []byte(`{"kind":"start_launch"}`))
	require.NoError(t, err)
	got, ok := queue.Receive(ctx)
	require.True(t, ok)
	assert.Equal(t, published.ID, got.ID)
	assert.Equal(t, 1, got.Attempt)

	require.NoError(t, queue.Requeue(ctx, got, 0))
	again, ok := queue.Receive(ctx)
	require.True(t, ok)
	assert.Equal(t, 2, again.Attempt)
	require.NoError(t, queue.Ack(ctx, again))
	assert.Equal(t, 0, queue.Depth())
}

func TestPostgresQueueFencesLapsedLeases(t *testing.T) {
	dsn := os.Getenv("RELAYREPORT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYREPORT_TEST_POSTGRES_DSN not set")
	}
	opened, err := NewPostgresQueue(dsn, "it-"+uuid.NewString()[:8], 4)
	require.NoError(t, err)
	queue := opened.(*PostgresQueue)
	queue.visibility = 50 * time.Millisecond
	t.Cleanup(func() { _ = queue.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = queue.Publish(ctx, []byte(`{"kind":"finish_item"}`))
	require.NoError(t, err)
	stale, ok := queue.Receive(ctx)
	require.True(t, ok)
	time.Sleep(150 * time.Millisecond)

	current, ok := queue.Receive(ctx)
	require.True(t, ok)
	assert.Equal(t, stale.ID, current.ID)
	assert.Equal(t, 2, current.Attempt)
	assert.NotEqual(t, stale.LeaseToken, current.LeaseToken)

	assert.ErrorIs(t, queue.Ack(ctx, stale), ErrLeaseLost)
	assert.ErrorIs(t, queue.Requeue(ctx, stale, time.Hour), ErrLeaseLost)
	assert.Equal(t, 1, queue.Depth(), "stale receiver cannot settle the message")

	require.NoError(t, queue.Ack(ctx, current))
	assert.Equal(t, 0, queue.Depth())
	assert.ErrorIs(t, queue.Ack(ctx, current), ErrLeaseLost)
}
