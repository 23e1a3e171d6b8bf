package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketloop/bondmarket/internal/domain"
)

// TransactionArchiveStore is the narrow read surface the archiver needs from
// the transaction log.
type TransactionArchiveStore interface {
	// ListBefore returns all confirmed transactions recorded strictly before
	// the given cutoff time, oldest first.
	ListBefore(ctx context.Context, before time.Time) ([]domain.Transaction, error)
}

// ArchiveImpl implements domain.Archiver by querying the transaction log for
// records older than a cutoff, serializing them to JSONL, and uploading the
// result to S3 as a monthly statement file.
//
// Archived records are never deleted from the primary store. The transaction
// log is the audit trail; the archive is a copy for statement downloads and
// cold retention, not a destination the data moves to.
type ArchiveImpl struct {
	writer       domain.BlobWriter
	transactions TransactionArchiveStore
	audit        domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, transactions TransactionArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:       writer,
		transactions: transactions,
		audit:        audit,
	}
}

// ArchiveTransactions queries all confirmed transactions before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// statements/transactions/YYYY-MM.jsonl. The archival event is recorded in
// the audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	txs, err := a.transactions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions query: %w", err)
	}
	if len(txs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(txs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions marshal: %w", err)
	}

	path := statementPath(before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions upload: %w", err)
	}

	count := int64(len(txs))

	if err := a.audit.Log(ctx, "archive.transactions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive transactions audit log: %w", err)
	}

	return count, nil
}

// statementPath builds the S3 key for a statement file, partitioned by the
// year-month of the cutoff time.
//
//	statements/transactions/2026-08.jsonl
func statementPath(before time.Time) string {
	return fmt.Sprintf("statements/transactions/%s.jsonl", before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
