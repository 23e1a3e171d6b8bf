package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/bondmarket/internal/domain"
	"github.com/marketloop/bondmarket/internal/store/memory"
)

type captureWriter struct {
	path        string
	contentType string
	data        []byte
}

func (w *captureWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	w.path = path
	w.contentType = contentType
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.data = b
	return nil
}

func TestArchiveTransactions(t *testing.T) {
	st := memory.New()
	stores := st.Stores()
	ctx := context.Background()

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	old := domain.Transaction{
		ID: "tx-old", UserID: "u1", BondID: "b1",
		Side: domain.TradeSideBuy, Quantity: 2, PricePerUnit: 100, TotalAmount: 200,
		Status: domain.TransactionConfirmed, Timestamp: cutoff.AddDate(0, -1, 0),
	}
	recent := domain.Transaction{
		ID: "tx-new", UserID: "u1", BondID: "b1",
		Side: domain.TradeSideBuy, Quantity: 1, PricePerUnit: 100, TotalAmount: 100,
		Status: domain.TransactionConfirmed, Timestamp: cutoff.AddDate(0, 1, 0),
	}
	require.NoError(t, stores.Transactions.Record(ctx, old))
	require.NoError(t, stores.Transactions.Record(ctx, recent))

	w := &captureWriter{}
	arch := NewArchiver(w, stores.Transactions, stores.Audit)

	count, err := arch.ArchiveTransactions(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.Equal(t, "statements/transactions/2026-08.jsonl", w.path)
	assert.Equal(t, "application/x-ndjson", w.contentType)

	lines := strings.Split(strings.TrimSpace(string(w.data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"tx-old"`)

	// The primary log still holds both rows.
	txs, err := stores.Transactions.ListByUser(ctx, "u1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, txs, 2, "archival must never delete from the transaction log")

	entries, err := stores.Audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.transactions", entries[0].Event)
}

func TestArchiveTransactionsEmpty(t *testing.T) {
	st := memory.New()
	stores := st.Stores()

	w := &captureWriter{}
	arch := NewArchiver(w, stores.Transactions, stores.Audit)

	count, err := arch.ArchiveTransactions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Nil(t, w.data, "nothing should be uploaded when there are no records")
}

func TestMarshalJSONL(t *testing.T) {
	buf, err := marshalJSONL([]map[string]string{{"a": "1"}, {"b": "2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(buf, []byte("\n")))
}
