package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrPK          = "PK"
	attrSK          = "SK"
	condNotExists   = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
	condVersionEq   = "#version = :version"
	maxTransactSize = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore stores each collection in its own DynamoDB table keyed by
// string attributes PK and SK.
type DynamoStore struct {
	api    dynamodbAPI
	tables map[string]string
}

// NewDynamo creates a DynamoStore. tables maps collection names to table
// names; several collections may share one table.
func NewDynamo(api dynamodbAPI, tables map[string]string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if len(tables) == 0 {
		return nil, errors.New("repository: table map must not be empty")
	}
	copied := make(map[string]string, len(tables))
	for collection, table := range tables {
		if strings.TrimSpace(table) == "" {
			return nil, fmt.Errorf("repository: table name for %q must not be empty", collection)
		}
		copied[collection] = table
	}
	return &DynamoStore{api: api, tables: copied}, nil
}

func (s *DynamoStore) table(collection string) (*string, error) {
	t, ok := s.tables[collection]
	if !ok {
		return nil, fmt.Errorf("repository: no table configured for collection %q", collection)
	}
	return aws.String(t), nil
}

func keyAttrs(k Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: k.PK},
		attrSK: &types.AttributeValueMemberS{Value: k.SK},
	}
}

// Get reads one document with a strongly consistent read.
func (s *DynamoStore) Get(ctx context.Context, key Key, out any) error {
	if err := key.validate(); err != nil {
		return err
	}
	table, err := s.table(key.Collection)
	if err != nil {
		return err
	}
	res, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      table,
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("repository: Get %s: %w", key.Collection, err)
	}
	if res == nil || len(res.Item) == 0 {
		return ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return fmt.Errorf("repository: Get %s unmarshal: %w", key.Collection, err)
	}
	return nil
}

// put builds the table, item and condition for a Write.
func (s *DynamoStore) put(w Write) (*types.Put, error) {
	if err := w.Key.validate(); err != nil {
		return nil, err
	}
	table, err := s.table(w.Key.Collection)
	if err != nil {
		return nil, err
	}
	item, err := attributevalue.MarshalMap(w.Doc)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal %s: %w", w.Key.Collection, err)
	}
	item[attrPK] = &types.AttributeValueMemberS{Value: w.Key.PK}
	item[attrSK] = &types.AttributeValueMemberS{Value: w.Key.SK}

	p := &types.Put{TableName: table, Item: item}
	p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues = condition(w)
	return p, nil
}

// del builds a transactional delete for a Write with Delete set.
func (s *DynamoStore) del(w Write) (*types.Delete, error) {
	if err := w.Key.validate(); err != nil {
		return nil, err
	}
	table, err := s.table(w.Key.Collection)
	if err != nil {
		return nil, err
	}
	d := &types.Delete{TableName: table, Key: keyAttrs(w.Key)}
	d.ConditionExpression, d.ExpressionAttributeNames, d.ExpressionAttributeValues = condition(w)
	return d, nil
}

func condition(w Write) (*string, map[string]string, map[string]types.AttributeValue) {
	switch {
	case w.Condition == IfAbsent, w.Condition == IfVersion && w.Version == 0:
		return aws.String(condNotExists), nil, nil
	case w.Condition == IfVersion:
		return aws.String(condVersionEq),
			map[string]string{"#version": VersionAttr},
			map[string]types.AttributeValue{
				":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(w.Version, 10)},
			}
	}
	return nil, nil, nil
}

// Write puts one document, or removes it when w.Delete is set.
func (s *DynamoStore) Write(ctx context.Context, w Write) error {
	if w.Delete {
		return s.Transact(ctx, w)
	}
	p, err := s.put(w)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 p.TableName,
		Item:                      p.Item,
		ConditionExpression:       p.ConditionExpression,
		ExpressionAttributeNames:  p.ExpressionAttributeNames,
		ExpressionAttributeValues: p.ExpressionAttributeValues,
	})
	if err != nil {
		return fmt.Errorf("repository: Write %s: %w", w.Key.Collection, classifyDynamo(err))
	}
	return nil
}

// Transact writes all documents in a single TransactWriteItems call.
func (s *DynamoStore) Transact(ctx context.Context, writes ...Write) error {
	if len(writes) == 0 {
		return nil
	}
	if len(writes) > maxTransactSize {
		return fmt.Errorf("repository: Transact: %d writes exceeds limit of %d", len(writes), maxTransactSize)
	}
	items := make([]types.TransactWriteItem, 0, len(writes))
	for _, w := range writes {
		if w.Delete {
			d, err := s.del(w)
			if err != nil {
				return err
			}
			items = append(items, types.TransactWriteItem{Delete: d})
			continue
		}
		p, err := s.put(w)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{Put: p})
	}
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("repository: Transact: %w", classifyDynamo(err))
	}
	return nil
}

// Increment uses an ADD update expression, which DynamoDB applies atomically
// across concurrent writers.
func (s *DynamoStore) Increment(ctx context.Context, key Key, field string) (int64, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}
	table, err := s.table(key.Collection)
	if err != nil {
		return 0, err
	}
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                table,
		Key:                      keyAttrs(key),
		UpdateExpression:         aws.String("ADD #f :one"),
		ExpressionAttributeNames: map[string]string{"#f": field},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: Increment %s: %w", key.Collection, err)
	}
	if out == nil {
		return 0, errors.New("repository: Increment: empty response")
	}
	n, err := intAttr(out.Attributes, field)
	if err != nil {
		return 0, fmt.Errorf("repository: Increment decode: %w", err)
	}
	return n, nil
}

// Query reads every page of a partition in sort key order.
func (s *DynamoStore) Query(ctx context.Context, q Query) ([]Record, error) {
	table, err := s.table(q.Collection)
	if err != nil {
		return nil, err
	}
	if q.PK == "" {
		return nil, errors.New("repository: Query: PK is required")
	}

	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: q.PK},
	}
	keyCond := "PK = :pk"
	if q.SKPrefix != "" {
		keyCond += " AND begins_with(SK, :prefix)"
		values[":prefix"] = &types.AttributeValueMemberS{Value: q.SKPrefix}
	}
	filter, names := filterExpression(q.Equals, values)

	in := &dynamodb.QueryInput{
		TableName:                 table,
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
	if filter != "" {
		in.FilterExpression = aws.String(filter)
		in.ExpressionAttributeNames = names
	}

	var records []Record
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: Query %s: %w", q.Collection, err)
		}
		for _, item := range out.Items {
			records = append(records, dynamoRecord(item))
		}
		if len(out.LastEvaluatedKey) == 0 {
			return records, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Scan pages through a collection's table. Collections sharing a table are
// not separated; callers that share tables should Query instead.
func (s *DynamoStore) Scan(ctx context.Context, collection string, fn func([]Record) error) error {
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	in := &dynamodb.ScanInput{TableName: table, ConsistentRead: aws.Bool(true)}
	for {
		out, err := s.api.Scan(ctx, in)
		if err != nil {
			return fmt.Errorf("repository: Scan %s: %w", collection, err)
		}
		page := make([]Record, 0, len(out.Items))
		for _, item := range out.Items {
			page = append(page, dynamoRecord(item))
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Delete removes one document; deleting a missing key is not an error.
func (s *DynamoStore) Delete(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	table, err := s.table(key.Collection)
	if err != nil {
		return err
	}
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: table, Key: keyAttrs(key)}); err != nil {
		return fmt.Errorf("repository: Delete %s: %w", key.Collection, err)
	}
	return nil
}

type dynamoRecord map[string]types.AttributeValue

func (r dynamoRecord) PartitionKey() string { return stringAttr(r, attrPK) }
func (r dynamoRecord) SortKey() string      { return stringAttr(r, attrSK) }

func stringAttr(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (r dynamoRecord) Decode(out any) error {
	return attributevalue.UnmarshalMap(r, out)
}

// filterExpression renders attribute equality filters in sorted order so the
// expression is stable.
func filterExpression(equals map[string]string, values map[string]types.AttributeValue) (string, map[string]string) {
	if len(equals) == 0 {
		return "", nil
	}
	fields := make([]string, 0, len(equals))
	for f := range equals {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	names := make(map[string]string, len(fields))
	parts := make([]string, 0, len(fields))
	for i, f := range fields {
		name := fmt.Sprintf("#f%d", i)
		value := fmt.Sprintf(":f%d", i)
		names[name] = f
		values[value] = &types.AttributeValueMemberS{Value: equals[f]}
		parts = append(parts, name+" = "+value)
	}
	return strings.Join(parts, " AND "), names
}

// classifyDynamo maps conditional check failures to ErrConditionFailed and
// keeps the original error in the chain.
func classifyDynamo(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %v", ErrConditionFailed, err)
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("%w: %v", ErrConditionFailed, err)
			}
		}
	}
	return err
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
