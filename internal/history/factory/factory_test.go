package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/kernelkeeper/internal/history"
	"github.com/loykin/kernelkeeper/internal/history/opensearch"
	"github.com/loykin/kernelkeeper/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"OpenSearch without host", "opensearch:///idx", true},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"SQLite bare path", filepath.Join(t.TempDir(), "h.db"), false},
		{"OpenSearch DSN", "opensearch://localhost:9200/kernel-logs", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, sink)
			_ = history.CloseAll([]history.Sink{sink})
		})
	}
}

func TestFactoryPicksImplementation(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Sink{}, s)
	_ = history.CloseAll([]history.Sink{s})

	s, err = NewSinkFromDSN("opensearch://localhost:9200")
	require.NoError(t, err)
	assert.IsType(t, &opensearch.Sink{}, s)
}

func TestParseClickHouseDSN(t *testing.T) {
	addr, db, table, err := parseClickHouseDSN("clickhouse://ch.local:9440?database=ops&table=events")
	require.NoError(t, err)
	assert.Equal(t, "ch.local:9440", addr)
	assert.Equal(t, "ops", db)
	assert.Equal(t, "events", table)

	addr, db, table, err = parseClickHouseDSN("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, defaultClickHouseAddr, addr)
	assert.Empty(t, db)
	assert.Equal(t, defaultClickHouseTable, table)
}

func TestParseOpenSearchDSN(t *testing.T) {
	tests := []struct {
		dsn   string
		base  string
		index string
	}{
		{"opensearch://localhost:9200/kernel-logs", "http://localhost:9200", "kernel-logs"},
		{"opensearch://localhost:9200", "http://localhost:9200", defaultOpenSearchIndex},
		{"opensearch+https://search.example.com/events/", "https://search.example.com", "events"},
		{"elasticsearch://es:9200/ev", "http://es:9200", "ev"},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			base, index, err := parseOpenSearchDSN(tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.index, index)
		})
	}
}

func TestNewSinks(t *testing.T) {
	sinks, err := NewSinks([]string{"sqlite://:memory:", "opensearch://localhost:9200/x"})
	require.NoError(t, err)
	assert.Len(t, sinks, 2)
	_ = history.CloseAll(sinks)

	_, err = NewSinks([]string{"sqlite://:memory:", "bogus://x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus://x")
}
