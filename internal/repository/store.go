// Package repository is the document store boundary shared by the token
// vault, the processing ledger and the cloud output sink.
//
// Documents are addressed by a collection, a partition key and a sort key.
// Three backends implement Store: DynamoDB for cloud runs, bbolt for offline
// runs against a local file, and an in-memory map for tests and dry runs.
//
// Attribute names used in conditions, filters and counters (version, status,
// n) refer to the stored document attributes. Domain types keep their json
// and dynamodbav tags identical for those fields so every backend agrees.
package repository

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no document exists for the key.
	ErrNotFound = errors.New("repository: not found")
	// ErrConditionFailed is returned when a conditional write loses.
	ErrConditionFailed = errors.New("repository: condition failed")
)

// VersionAttr is the attribute compared by IfVersion writes.
const VersionAttr = "version"

// Key addresses a single document.
type Key struct {
	Collection string
	PK         string
	SK         string
}

func (k Key) validate() error {
	if k.Collection == "" || k.PK == "" || k.SK == "" {
		return errors.New("repository: collection, PK and SK are required")
	}
	return nil
}

// Condition guards a Write.
type Condition int

const (
	// None writes unconditionally (upsert).
	None Condition = iota
	// IfAbsent writes only when no document exists for the key.
	IfAbsent
	// IfVersion writes only when the stored version attribute equals
	// Write.Version. Version 0 requires the document to be absent.
	IfVersion
)

// Write is one document put, optionally conditional. With Delete set the
// document is removed instead and Doc is ignored; removing a missing
// document satisfies Condition None.
type Write struct {
	Key       Key
	Doc       any
	Delete    bool
	Condition Condition
	Version   int64
}

// Query selects documents in one partition.
type Query struct {
	Collection string
	PK         string
	// SKPrefix restricts results to sort keys with this prefix.
	SKPrefix string
	// Equals keeps only documents whose string attributes match.
	Equals map[string]string
}

// Record is a stored document that has not been decoded yet.
type Record interface {
	PartitionKey() string
	SortKey() string
	Decode(out any) error
}

// Store is the document store contract. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key Key, out any) error
	Write(ctx context.Context, w Write) error
	// Transact applies all writes or none.
	Transact(ctx context.Context, writes ...Write) error
	// Increment atomically adds one to a numeric attribute, creating the
	// document when missing, and returns the new value.
	Increment(ctx context.Context, key Key, field string) (int64, error)
	Query(ctx context.Context, q Query) ([]Record, error)
	// Scan pages through every document of a collection.
	Scan(ctx context.Context, collection string, fn func([]Record) error) error
	Delete(ctx context.Context, key Key) error
}

// DecodeAll decodes records into a typed slice.
func DecodeAll[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := r.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
