package s3

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/ntuple/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDDBClient is an in-memory DynamoDB table keyed by (base_uri, version).
type mockDDBClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{items: make(map[string]map[string]types.AttributeValue)}
}

func attrS(item map[string]types.AttributeValue, name string) string {
	return item[name].(*types.AttributeValueMemberS).Value
}

func attrN(item map[string]types.AttributeValue, name string) uint64 {
	v, _ := strconv.ParseUint(item[name].(*types.AttributeValueMemberN).Value, 10, 64)
	return v
}

func (m *mockDDBClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s:%d", attrS(params.Item, "base_uri"), attrN(params.Item, "version"))
	if aws.ToString(params.ConditionExpression) == "attribute_not_exists(version)" {
		if _, exists := m.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}
	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uri := params.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value

	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if attrS(item, "base_uri") == uri {
			items = append(items, item)
		}
	}
	slices.SortFunc(items, func(a, b map[string]types.AttributeValue) int {
		// Descending, numeric.
		va, vb := attrN(a, "version"), attrN(b, "version")
		switch {
		case va > vb:
			return -1
		case va < vb:
			return 1
		}
		return 0
	})

	if params.Limit != nil && int(*params.Limit) < len(items) {
		items = items[:*params.Limit]
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func newTestDDBCommitStore(ddb *mockDDBClient, baseURI string) *DDBCommitStore {
	return NewDDBCommitStore(NewStore(&MockS3Client{}, "test-bucket", "test/"), ddb, "ntuple-commits", baseURI)
}

func readPointer(t *testing.T, store blobstore.BlobStore, name string) string {
	t.Helper()
	data, err := blobstore.ReadAll(context.Background(), store, name)
	require.NoError(t, err)
	return string(data)
}

func TestDDBCommitStore_FirstCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestDDBCommitStore(newMockDDBClient(), "s3://test-bucket/test")

	require.NoError(t, store.Put(ctx, "events/CURRENT", []byte("footer-a")))
	assert.Equal(t, "footer-a", readPointer(t, store, "events/CURRENT"))
}

func TestDDBCommitStore_ManyCommitsOrderNumerically(t *testing.T) {
	ctx := context.Background()
	store := newTestDDBCommitStore(newMockDDBClient(), "s3://test-bucket/test")

	// Crosses the 9 -> 10 boundary where a string sort would go wrong.
	for i := 1; i <= 12; i++ {
		require.NoError(t, store.Put(ctx, "events/CURRENT", []byte(fmt.Sprintf("footer-%02d", i))))
	}
	assert.Equal(t, "footer-12", readPointer(t, store, "events/CURRENT"))
}

func TestDDBCommitStore_ConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	store := newTestDDBCommitStore(newMockDDBClient(), "s3://test-bucket/test")
	require.NoError(t, store.Put(ctx, "events/CURRENT", []byte("footer-0")))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := range 5 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := store.Put(ctx, "events/CURRENT", []byte(fmt.Sprintf("footer-%d", id+1)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConcurrentModification):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Positive(t, successes)
}

func TestDDBCommitStore_NotFoundBeforeCommit(t *testing.T) {
	store := newTestDDBCommitStore(newMockDDBClient(), "s3://test-bucket/test")

	_, err := store.Open(context.Background(), "events/CURRENT")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestDDBCommitStore_IsolatedNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()

	storeA := newTestDDBCommitStore(ddb, "s3://bucket-a/path")
	storeB := newTestDDBCommitStore(ddb, "s3://bucket-b/path")

	require.NoError(t, storeA.Put(ctx, "events/CURRENT", []byte("footer-a")))
	require.NoError(t, storeB.Put(ctx, "events/CURRENT", []byte("footer-b")))
	require.NoError(t, storeA.Put(ctx, "hits/CURRENT", []byte("footer-hits")))

	assert.Equal(t, "footer-a", readPointer(t, storeA, "events/CURRENT"))
	assert.Equal(t, "footer-b", readPointer(t, storeB, "events/CURRENT"))
	assert.Equal(t, "footer-hits", readPointer(t, storeA, "hits/CURRENT"))
}

func TestPointerBlob_ReadRange(t *testing.T) {
	b := &pointerBlob{content: []byte("footer-1234")}

	r, err := b.ReadRange(context.Background(), 7, 100)
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, _ := r.Read(buf)
	assert.Equal(t, "1234", string(buf[:n]))

	_, err = b.ReadRange(context.Background(), 11, 1)
	assert.Error(t, err)
}
