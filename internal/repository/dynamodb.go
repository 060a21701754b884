package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB attribute names. "ttl" is a reserved word, so expressions always go through #ttl.
const (
	attrPK    = "pk"
	attrVal   = "val"
	attrCount = "cnt"
	attrTTL   = "ttl"

	// incrResetAttempts bounds the expired-counter reset race in Incr.
	incrResetAttempts = 3
)

// dynamoItem is one key of the store. Counters live in cnt, everything else in val.
// TTL is epoch seconds; DynamoDB deletes expired items lazily, so reads filter them too.
type dynamoItem struct {
	PK  string `dynamodbav:"pk"`
	Val []byte `dynamodbav:"val,omitempty"`
	Cnt int64  `dynamodbav:"cnt,omitempty"`
	TTL int64  `dynamodbav:"ttl,omitempty"`
}

// DynamoConfig configures the DynamoDB-backed store.
type DynamoConfig struct {
	Table     string
	OpTimeout time.Duration
}

// DynamoStore implements Store on a single DynamoDB table keyed by pk.
type DynamoStore struct {
	cli       *dynamodb.Client
	table     string
	opTimeout time.Duration
	now       func() time.Time
}

// NewDynamoClient builds a DynamoDB client from the default AWS config chain. A non-empty
// endpoint points the client at a local emulator with static dummy credentials.
func NewDynamoClient(ctx context.Context, endpoint, region string) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if region != "" {
			o.Region = region
		}
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.Credentials = credentials.NewStaticCredentialsProvider("local", "local", "")
			if o.Region == "" {
				o.Region = "us-east-1"
			}
		}
	}), nil
}

// NewDynamoStore returns a Store on the given table. Call EnsureTable first when the table
// may not exist yet.
func NewDynamoStore(cli *dynamodb.Client, cfg DynamoConfig) *DynamoStore {
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &DynamoStore{cli: cli, table: cfg.Table, opTimeout: timeout, now: time.Now}
}

// EnsureTable creates the table if needed, waits for it to become active and enables TTL.
func (d *DynamoStore) EnsureTable(ctx context.Context) error {
	_, err := d.cli.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.table),
		AttributeDefinitions: []ddbTypes.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: ddbTypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbTypes.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: ddbTypes.KeyTypeHash},
		},
		BillingMode: ddbTypes.BillingModePayPerRequest,
	})
	var inUse *ddbTypes.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", d.table, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(d.cli)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}, 30*time.Second); err != nil {
		return fmt.Errorf("wait for table %s: %w", d.table, err)
	}
	// Fails with a ValidationException when TTL is already enabled.
	_, _ = d.cli.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(d.table),
		TimeToLiveSpecification: &ddbTypes.TimeToLiveSpecification{
			AttributeName: aws.String(attrTTL),
			Enabled:       aws.Bool(true),
		},
	})
	return nil
}

func (d *DynamoStore) key(key string) map[string]ddbTypes.AttributeValue {
	return map[string]ddbTypes.AttributeValue{attrPK: &ddbTypes.AttributeValueMemberS{Value: key}}
}

func (d *DynamoStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	// round up so a sub-second remainder never expires early
	return d.now().Add(ttl + time.Second - 1).Unix()
}

func (d *DynamoStore) nowValue() ddbTypes.AttributeValue {
	return &ddbTypes.AttributeValueMemberN{Value: strconv.FormatInt(d.now().Unix(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *ddbTypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (d *DynamoStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()
	item, err := attributevalue.MarshalMap(dynamoItem{PK: key, Val: value, TTL: d.expiry(ttl)})
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}
	_, err = d.cli.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.table),
		Item:                      item,
		ConditionExpression:       aws.String("attribute_not_exists(pk) OR (attribute_exists(#ttl) AND #ttl <= :now)"),
		ExpressionAttributeNames:  map[string]string{"#ttl": attrTTL},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{":now": d.nowValue()},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("setnx", key, err)
	}
	return true, nil
}

func (d *DynamoStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()
	for attempt := 0; attempt < incrResetAttempts; attempt++ {
		out, err := d.cli.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(d.table),
			Key:                      d.key(key),
			UpdateExpression:         aws.String("ADD cnt :one"),
			ConditionExpression:      aws.String("attribute_not_exists(#ttl) OR #ttl > :now"),
			ExpressionAttributeNames: map[string]string{"#ttl": attrTTL},
			ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
				":one": &ddbTypes.AttributeValueMemberN{Value: "1"},
				":now": d.nowValue(),
			},
			ReturnValues: ddbTypes.ReturnValueUpdatedNew,
		})
		if err == nil {
			var n int64
			if err := attributevalue.Unmarshal(out.Attributes[attrCount], &n); err != nil {
				return 0, fmt.Errorf("unmarshal counter: %w", err)
			}
			return n, nil
		}
		if !isConditionFailed(err) {
			return 0, unavailable("incr", key, err)
		}

		// The previous window expired but has not been reaped yet: start a fresh one.
		item, err := attributevalue.MarshalMap(dynamoItem{PK: key, Cnt: 1})
		if err != nil {
			return 0, fmt.Errorf("marshal item: %w", err)
		}
		_, err = d.cli.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(d.table),
			Item:                      item,
			ConditionExpression:       aws.String("#ttl <= :now"),
			ExpressionAttributeNames:  map[string]string{"#ttl": attrTTL},
			ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{":now": d.nowValue()},
		})
		if err == nil {
			return 1, nil
		}
		if !isConditionFailed(err) {
			return 0, unavailable("incr", key, err)
		}
		// another writer reset the window first; count on top of theirs
	}
	return 0, unavailable("incr", key, errors.New("counter reset contention"))
}

func (d *DynamoStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()
	in := &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.table),
		Key:                      d.key(key),
		ConditionExpression:      aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{"#ttl": attrTTL},
	}
	if exp := d.expiry(ttl); exp > 0 {
		in.UpdateExpression = aws.String("SET #ttl = :exp")
		in.ExpressionAttributeValues = map[string]ddbTypes.AttributeValue{
			":exp": &ddbTypes.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)},
		}
	} else {
		in.UpdateExpression = aws.String("REMOVE #ttl")
	}
	_, err := d.cli.UpdateItem(ctx, in)
	if err != nil && !isConditionFailed(err) {
		return unavailable("expire", key, err)
	}
	return nil
}

func (d *DynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()
	out, err := d.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, unavailable("get", key, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, false, fmt.Errorf("unmarshal item: %w", err)
	}
	if item.TTL != 0 && item.TTL <= d.now().Unix() {
		return nil, false, nil
	}
	if item.Val == nil && item.Cnt != 0 {
		return []byte(strconv.FormatInt(item.Cnt, 10)), true, nil
	}
	return item.Val, true, nil
}

func (d *DynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()
	item, err := attributevalue.MarshalMap(dynamoItem{PK: key, Val: value, TTL: d.expiry(ttl)})
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if _, err := d.cli.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.table), Item: item}); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

func (d *DynamoStore) Del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()
	if _, err := d.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(d.table), Key: d.key(key)}); err != nil {
		return unavailable("del", key, err)
	}
	return nil
}

func (d *DynamoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.opTimeout)
	defer cancel()
	if _, err := d.cli.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}

// Close is a no-op; the AWS client holds no long-lived connections that need releasing.
func (d *DynamoStore) Close() error { return nil }
