package output

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"pii-ledger/internal/domain"
)

var reportHeader = []string{"conversation_id", "message_id", "error", "attempt_count"}

// WriteFailureReport merges failures into the CSV at path, keyed by
// conversation and message id. Rows whose domain.MessageRef is in resolved
// are removed, so a message that later succeeded drops out of the report.
// Rows are written in reference order.
func WriteFailureReport(path string, failures []domain.LedgerEntry, resolved ...string) error {
	if path == "" {
		return errors.New("output: report path must not be empty")
	}
	rows, err := readReport(path)
	if err != nil {
		return err
	}
	for _, ref := range resolved {
		delete(rows, ref)
	}
	for _, f := range failures {
		rows[f.Ref()] = []string{f.ConversationID, f.MessageID, f.LastError, strconv.Itoa(f.AttemptCount)}
	}

	refs := make([]string, 0, len(rows))
	for ref := range rows {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("output: report: %w", err)
	}
	for _, ref := range refs {
		if err := w.Write(rows[ref]); err != nil {
			return fmt.Errorf("output: report: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("output: report: %w", err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

func readReport(path string) (map[string][]string, error) {
	rows := map[string][]string{}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return rows, nil
	}
	if err != nil {
		return nil, fmt.Errorf("output: open report: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(reportHeader)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("output: parse report %s: %w", path, err)
	}
	for i, rec := range records {
		if i == 0 && rec[0] == reportHeader[0] {
			continue
		}
		rows[domain.MessageRef(rec[0], rec[1])] = rec
	}
	return rows, nil
}
