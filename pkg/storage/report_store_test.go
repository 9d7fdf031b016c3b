package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalReportStore_RoundTrip(t *testing.T) {
	store, err := NewLocalReportStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Store(context.Background(), "p1/j1.yaml", []byte("orders:\n  matched: true\n"))
	require.NoError(t, err)

	data, err := store.Retrieve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "orders:\n  matched: true\n", string(data))
}

func TestExtractKey(t *testing.T) {
	assert.Equal(t, "reports/p1/j1.yaml", extractKey("s3://bucket/reports/p1/j1.yaml"))
	assert.Equal(t, "plain/key", extractKey("plain/key"))
	assert.Equal(t, "s3://bucket", extractKey("s3://bucket"))
}
