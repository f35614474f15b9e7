package export

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"cdpledger/core"
	"cdpledger/native/cdp"
)

// ContentType is the media type of a snapshot stream.
const ContentType = "application/vnd.apache.parquet"

// Row is one position in a pool snapshot. Amounts are decimal strings so the
// full uint64 range survives readers without unsigned integer support.
type Row struct {
	Asset      string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner      string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Collateral string `parquet:"name=collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	Debt       string `parquet:"name=debt, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	// Ratio is empty for positions without debt.
	Ratio      string `parquet:"name=ratio, type=BYTE_ARRAY, convertedtype=UTF8"`
	Ceiling    string `parquet:"name=ceiling, type=BYTE_ARRAY, convertedtype=UTF8"`
	Healthy    bool   `parquet:"name=healthy, type=BOOLEAN"`
	MinRatio   int64  `parquet:"name=minimum_collateral_ratio, type=INT64"`
	SnapshotAt string `parquet:"name=snapshot_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Rows flattens a ledger snapshot.
func Rows(pool *cdp.Pool, positions []core.PositionSnapshot, at time.Time) []Row {
	if pool == nil {
		return nil
	}
	stamp := at.UTC().Format(time.RFC3339)
	rows := make([]Row, 0, len(positions))
	for _, snap := range positions {
		if snap.Position == nil {
			continue
		}
		row := Row{
			Asset:      pool.AssetID,
			Owner:      snap.Position.Owner.String(),
			Collateral: strconv.FormatUint(snap.Position.Collateral, 10),
			Debt:       strconv.FormatUint(snap.Position.Debt, 10),
			MinRatio:   int64(pool.MinimumCollateralRatio),
			SnapshotAt: stamp,
		}
		if h := snap.Health; h != nil {
			row.Price = strconv.FormatUint(h.Price, 10)
			row.Ceiling = strconv.FormatUint(h.Ceiling, 10)
			row.Healthy = h.Healthy
			if h.Bounded {
				row.Ratio = strconv.FormatUint(h.Ratio, 10)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Write encodes rows as a snappy-compressed Parquet file.
func Write(w io.Writer, rows []Row) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(Row), 1)
	if err != nil {
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	return nil
}
