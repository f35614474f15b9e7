package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"

	"cdpledger/core"
	"cdpledger/crypto"
	"cdpledger/native/cdp"
)

func TestWriteProducesReadableSnapshot(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := key.PubKey().Address()
	pool := &cdp.Pool{AssetID: "SOL", MinimumCollateralRatio: 110}
	snapshots := []core.PositionSnapshot{
		{
			Position: &cdp.Position{Owner: owner, AssetID: "SOL", Collateral: 10, Debt: 1000},
			Health:   &cdp.RatioReport{Price: 200, Ratio: 200, Bounded: true, Ceiling: 1818, Healthy: true},
		},
		{
			Position: &cdp.Position{Owner: owner, AssetID: "SOL", Collateral: 5},
			Health:   &cdp.RatioReport{Price: 200, Ceiling: 909, Healthy: true},
		},
		{Position: nil},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := Rows(pool, snapshots, at)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[1].Ratio != "" {
		t.Fatalf("debt-free position should have no ratio, got %q", rows[1].Ratio)
	}

	var buf bytes.Buffer
	if err := Write(&buf, rows); err != nil {
		t.Fatalf("write: %v", err)
	}

	fr := buffer.NewBufferFileFromBytes(buf.Bytes())
	pr, err := reader.NewParquetReader(fr, new(Row), 1)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer pr.ReadStop()
	if got := int(pr.GetNumRows()); got != 2 {
		t.Fatalf("expected 2 stored rows, got %d", got)
	}
	decoded := make([]Row, 2)
	if err := pr.Read(&decoded); err != nil {
		t.Fatalf("read rows: %v", err)
	}
	first := decoded[0]
	if first.Owner != owner.String() || first.Collateral != "10" || first.Debt != "1000" {
		t.Fatalf("unexpected first row %+v", first)
	}
	if first.Ratio != "200" || !first.Healthy || first.MinRatio != 110 {
		t.Fatalf("unexpected health columns %+v", first)
	}
	if first.SnapshotAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected snapshot time %q", first.SnapshotAt)
	}
}

func TestRowsNilPool(t *testing.T) {
	if rows := Rows(nil, nil, time.Now()); rows != nil {
		t.Fatalf("expected nil rows")
	}
}
