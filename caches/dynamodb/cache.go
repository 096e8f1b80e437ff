package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
	"github.com/dgduncan/go-offline-cache/caches/internal/codec"
)

// partition keys of the single-table layout
const (
	pkVersion     = "version"
	pkMeta        = "meta"
	pkTask        = "task"
	entryPrefix   = "entry#"
	skCurrent     = "current"
	batchSize     = 25
	maxBatchRetry = 5
)

// Config defines the configuration options for the DynamoDB store implementation.
type Config struct {
	// Table must have a string hash key "pk" and a string range key "sk".
	Table string
}

// Cache implements offlinecache.Store and offlinecache.TaskStore using Amazon DynamoDB as the
// storage backend. Every record lives in one table keyed by (pk, sk).
type Cache struct {
	client *dynamodb.Client

	table string
	now   func() time.Time
}

type entryItem struct {
	PK       string `dynamodbav:"pk"`
	SK       string `dynamodbav:"sk"`
	Entry    []byte `dynamodbav:"entry"`
	StoredAt int64  `dynamodbav:"stored_at"`
}

type versionItem struct {
	PK          string `dynamodbav:"pk"`
	SK          string `dynamodbav:"sk"`
	CommittedAt int64  `dynamodbav:"committed_at"`
}

type currentItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	Tag       string `dynamodbav:"tag"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
}

type taskItem struct {
	PK      string `dynamodbav:"pk"`
	SK      string `dynamodbav:"sk"`
	ID      string `dynamodbav:"id"`
	Payload []byte `dynamodbav:"payload"`
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func taskSK(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

// Get retrieves an entry of version tag by its key.
func (c *Cache) Get(ctx context.Context, tag, k string) (*offlinecache.CacheEntry, error) {
	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key(entryPrefix+tag, k),
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, caches.ErrNoCacheItem
	}

	var item entryItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	return codec.DecodeEntry(item.Entry)
}

// Set stores an entry of version tag, replacing any previous value for k.
func (c *Cache) Set(ctx context.Context, tag, k string, v *offlinecache.CacheEntry) error {
	enc, err := codec.EncodeEntry(v)
	if err != nil {
		return err
	}

	return c.put(ctx, entryItem{
		PK:       entryPrefix + tag,
		SK:       k,
		Entry:    enc,
		StoredAt: c.now().UTC().Unix(),
	})
}

func (c *Cache) put(ctx context.Context, item any) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	})
	return err
}

func (c *Cache) Commit(ctx context.Context, tag string) error {
	return c.put(ctx, versionItem{PK: pkVersion, SK: tag, CommittedAt: c.now().UTC().Unix()})
}

func (c *Cache) Versions(ctx context.Context) ([]string, error) {
	items, err := c.query(ctx, pkVersion, false)
	if err != nil {
		return nil, err
	}

	tags := make([]string, 0, len(items))
	for _, item := range items {
		var v versionItem
		if err := attributevalue.UnmarshalMap(item, &v); err != nil {
			return nil, err
		}
		tags = append(tags, v.SK)
	}
	return tags, nil
}

// DeleteVersion removes the commit record first so a half-deleted version is never listed,
// then every entry of tag.
func (c *Cache) DeleteVersion(ctx context.Context, tag string) error {
	if _, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key:       key(pkVersion, tag),
	}); err != nil {
		return err
	}

	items, err := c.query(ctx, entryPrefix+tag, true)
	if err != nil {
		return err
	}

	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, map[string]types.AttributeValue{"pk": item["pk"], "sk": item["sk"]})
	}
	return c.batchDelete(ctx, keys)
}

func (c *Cache) SetCurrent(ctx context.Context, tag string) error {
	return c.put(ctx, currentItem{PK: pkMeta, SK: skCurrent, Tag: tag, UpdatedAt: c.now().UTC().Unix()})
}

func (c *Cache) Current(ctx context.Context) (string, error) {
	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key(pkMeta, skCurrent),
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return "", err
	}
	if output.Item == nil {
		return "", nil
	}

	var item currentItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return "", err
	}
	return item.Tag, nil
}

func (c *Cache) Append(ctx context.Context, t *offlinecache.DeferredTask) error {
	payload, err := codec.EncodeTask(t)
	if err != nil {
		return err
	}
	return c.put(ctx, taskItem{PK: pkTask, SK: taskSK(t.Seq), ID: t.ID, Payload: payload})
}

// List returns the queued tasks; the zero-padded sequence range key keeps them in order.
func (c *Cache) List(ctx context.Context) ([]*offlinecache.DeferredTask, error) {
	items, err := c.query(ctx, pkTask, false)
	if err != nil {
		return nil, err
	}

	tasks := make([]*offlinecache.DeferredTask, 0, len(items))
	for _, item := range items {
		var ti taskItem
		if err := attributevalue.UnmarshalMap(item, &ti); err != nil {
			return nil, err
		}
		t, err := codec.DecodeTask(ti.Payload)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (c *Cache) Update(ctx context.Context, t *offlinecache.DeferredTask) error {
	payload, err := codec.EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.table),
		Key:                 key(pkTask, taskSK(t.Seq)),
		ConditionExpression: aws.String("#id = :id"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":      &types.AttributeValueMemberS{Value: t.ID},
			":payload": &types.AttributeValueMemberB{Value: payload},
		},
		UpdateExpression: aws.String("SET payload = :payload"),
	})
	return notFoundOnCondition(err)
}

func (c *Cache) Remove(ctx context.Context, id string) error {
	items, err := c.query(ctx, pkTask, false)
	if err != nil {
		return err
	}

	for _, item := range items {
		var ti taskItem
		if err := attributevalue.UnmarshalMap(item, &ti); err != nil {
			return err
		}
		if ti.ID != id {
			continue
		}
		_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(c.table),
			Key:                 key(pkTask, ti.SK),
			ConditionExpression: aws.String("attribute_exists(pk)"),
		})
		return notFoundOnCondition(err)
	}
	return caches.ErrNoCacheItem
}

func notFoundOnCondition(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return caches.ErrNoCacheItem
	}
	return err
}

// query returns every item of partition pk. keysOnly projects the primary key attributes.
func (c *Cache) query(ctx context.Context, pk string, keysOnly bool) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	}
	if keysOnly {
		input.ProjectionExpression = aws.String("pk, sk")
	}

	var items []map[string]types.AttributeValue
	p := dynamodb.NewQueryPaginator(c.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func (c *Cache) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))

		requests := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}

		pending := map[string][]types.WriteRequest{c.table: requests}
		for attempt := 0; len(pending[c.table]) > 0; attempt++ {
			if attempt == maxBatchRetry {
				return fmt.Errorf("batch delete: %d unprocessed items", len(pending[c.table]))
			}
			output, err := c.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			pending = output.UnprocessedItems
			if len(pending[c.table]) > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
				}
			}
		}
	}
	return nil
}

// New creates a new DynamoDB store with the provided configuration.
// Returns an error if the client is nil or if the configuration is invalid.
func New(ctx context.Context, client *dynamodb.Client, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	table := caches.DefaultTable
	if config != nil && config.Table != "" {
		table = config.Table
	}

	return &Cache{
		client: client,

		table: table,
		now:   time.Now,
	}, nil
}
