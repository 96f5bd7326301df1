package cellsio

import (
	"errors"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/sirupsen/logrus"

	"cropmask/celltools"
)

const (
	CellRowSize = 8 + 8 + 19*5 + 11
	BytesInGB   = 1024 * 1024 * 1024
)

type CellRow struct {
	S2id  int64   `parquet:"s2_id"`
	Value float64 `parquet:"value"`
	Geom  string  `parquet:"geom"`
}

// StreamToParquet writes cells as they arrive, flushing a row group every
// time the buffered rows would exceed the memory limit.
func StreamToParquet(cellData <-chan celltools.S2CellData, path string, memLimitGB int) (err error) {
	output, err := os.Create(path)
	if err != nil {
		return err
	}

	schema := parquet.SchemaOf(new(CellRow))
	writer := parquet.NewGenericWriter[CellRow](output, schema, parquet.Compression(&parquet.Snappy))
	defer func() {
		err = errors.Join(err, writer.Close(), output.Close())
	}()

	rowBufferSize := rowBufferSize(memLimitGB)
	rowBuf := make([]CellRow, 0, min(rowBufferSize, 4096))
	var written int
	flush := func() error {
		if len(rowBuf) == 0 {
			return nil
		}
		if _, err := writer.Write(rowBuf); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		written += len(rowBuf)
		logrus.Infof("Wrote %d cells", written)
		rowBuf = rowBuf[:0]
		return nil
	}

	for cell := range cellData {
		rowBuf = append(rowBuf, CellRow{int64(cell.Cell), cell.Data, cell.GeomString})
		if len(rowBuf) == rowBufferSize {
			if err := flush(); err != nil {
				drain(cellData)
				return err
			}
		}
	}
	return flush()
}

// Rows are buffered against a memory limit. The 3 is a fudge factor for
// the writer's own allocations.
func rowBufferSize(memLimitGB int) int {
	if memLimitGB < 1 {
		memLimitGB = 1
	}
	n := memLimitGB * BytesInGB / CellRowSize / 3
	return max(n, 1)
}

func drain(cellData <-chan celltools.S2CellData) {
	for range cellData {
	}
}
