package cellsio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/s2"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropmask/celltools"
)

func cells(n int) chan celltools.S2CellData {
	ch := make(chan celltools.S2CellData, n)
	for i := 0; i < n; i++ {
		id := s2.CellIDFromLatLng(s2.LatLngFromDegrees(float64(i), float64(i))).Parent(8)
		ch <- celltools.S2CellData{Cell: id, Data: float64(i), GeomString: "POLYGON EMPTY"}
	}
	close(ch)
	return ch
}

func TestStreamToParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cells.parquet")
	require.NoError(t, StreamToParquet(cells(5), path, 1))

	rows, err := parquet.ReadFile[CellRow](path)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, float64(i), row.Value)
		assert.Equal(t, "POLYGON EMPTY", row.Geom)
		assert.Equal(t, 8, s2.CellID(uint64(row.S2id)).Level())
	}
}

func TestStreamToCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cells.csv")
	require.NoError(t, StreamToCSV(cells(3), path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "s2_id;value;geom", lines[0])
	assert.True(t, strings.HasSuffix(lines[2], ";1;POLYGON EMPTY"))
}

func TestRowBufferSize(t *testing.T) {
	assert.Equal(t, rowBufferSize(0), rowBufferSize(1))
	assert.Greater(t, rowBufferSize(2), rowBufferSize(1))
}
