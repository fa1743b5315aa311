package repository

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// The bbolt and memory backends store documents as JSON under a composite
// PK/SK key. Helpers here are shared by both.

const keySep = "\x00"

func compositeKey(pk, sk string) string {
	return pk + keySep + sk
}

type jsonRecord struct {
	pk, sk string
	data   []byte
}

func newJSONRecord(composite string, data []byte) jsonRecord {
	pk, sk, _ := strings.Cut(composite, keySep)
	return jsonRecord{pk: pk, sk: sk, data: data}
}

func (r jsonRecord) PartitionKey() string { return r.pk }
func (r jsonRecord) SortKey() string      { return r.sk }

func (r jsonRecord) Decode(out any) error {
	return json.Unmarshal(r.data, out)
}

// encodeWrite validates w and returns the JSON document to store, nil for
// deletes.
func encodeWrite(w Write) ([]byte, error) {
	if err := w.Key.validate(); err != nil {
		return nil, err
	}
	if w.Delete {
		return nil, nil
	}
	data, err := json.Marshal(w.Doc)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal %s: %w", w.Key.Collection, err)
	}
	return data, nil
}

// checkCondition decides whether w may replace existing, which is nil when
// no document is stored.
func checkCondition(existing []byte, w Write) error {
	switch w.Condition {
	case IfAbsent:
		if existing != nil {
			return ErrConditionFailed
		}
	case IfVersion:
		if w.Version == 0 {
			if existing != nil {
				return ErrConditionFailed
			}
			return nil
		}
		if existing == nil {
			return ErrConditionFailed
		}
		v, err := storedVersion(existing)
		if err != nil {
			return err
		}
		if v != w.Version {
			return ErrConditionFailed
		}
	}
	return nil
}

func storedVersion(raw []byte) (int64, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("repository: decode stored document: %w", err)
	}
	return numberField(doc, VersionAttr)
}

func numberField(doc map[string]json.RawMessage, field string) (int64, error) {
	raw, ok := doc[field]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: attribute %q is not an integer", field)
	}
	return n, nil
}

// incrementDoc adds one to field in existing (or a fresh document) and
// returns the re-encoded document with the new value.
func incrementDoc(existing []byte, field string) ([]byte, int64, error) {
	doc := map[string]json.RawMessage{}
	if existing != nil {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return nil, 0, fmt.Errorf("repository: decode counter: %w", err)
		}
	}
	n, err := numberField(doc, field)
	if err != nil {
		return nil, 0, err
	}
	n++
	doc[field] = json.RawMessage(strconv.FormatInt(n, 10))
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: encode counter: %w", err)
	}
	return out, n, nil
}

// matchesEquals reports whether every filter attribute is a string with the
// wanted value.
func matchesEquals(raw []byte, equals map[string]string) (bool, error) {
	if len(equals) == 0 {
		return true, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("repository: decode stored document: %w", err)
	}
	for field, want := range equals {
		got, ok := doc[field].(string)
		if !ok || got != want {
			return false, nil
		}
	}
	return true, nil
}
