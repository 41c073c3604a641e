// Command ledger-export writes the ratekeeperd event journal or oracle commit
// history to a Parquet file for offline analysis.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"rateswap/services/ratekeeperd/storage"
)

type eventRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	EventID    string `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	PositionID string `parquet:"name=position_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type commitRow struct {
	Rate        string `parquet:"name=rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	CommittedAt string `parquet:"name=committed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func main() {
	dbPath := flag.String("db", "/var/data/ratekeeperd.sqlite", "path to the ratekeeperd sqlite database")
	out := flag.String("out", "ledger-events.parquet", "output parquet file")
	table := flag.String("table", "events", "what to export: events or commits")
	eventType := flag.String("type", "", "only export events of this type")
	since := flag.String("since", "", "only export events recorded at or after this RFC3339 time")
	limit := flag.Int("limit", 0, "maximum rows to export, zero for all")
	flag.Parse()

	dsn, err := storage.FileDSN(*dbPath)
	if err != nil {
		fail("resolve database: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		fail("open database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	var n int
	switch strings.ToLower(strings.TrimSpace(*table)) {
	case "events":
		filter := storage.EventFilter{Type: *eventType, Limit: *limit}
		if raw := strings.TrimSpace(*since); raw != "" {
			if filter.Since, err = time.Parse(time.RFC3339, raw); err != nil {
				fail("parse -since: %v", err)
			}
		}
		n, err = exportEvents(ctx, store, filter, *out)
	case "commits":
		n, err = exportCommits(ctx, store, *limit, *out)
	default:
		fail("unknown table %q", *table)
	}
	if err != nil {
		fail("%v", err)
	}
	fmt.Printf("wrote %d rows to %s\n", n, *out)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ledger-export: "+format+"\n", args...)
	os.Exit(1)
}

func exportEvents(ctx context.Context, store *storage.Storage, filter storage.EventFilter, path string) (int, error) {
	list, err := store.ListEvents(ctx, filter)
	if err != nil {
		return 0, err
	}
	rows := make([]any, 0, len(list))
	for _, evt := range list {
		attrs, err := json.Marshal(evt.Attributes)
		if err != nil {
			return 0, fmt.Errorf("encode event %d: %w", evt.Seq, err)
		}
		rows = append(rows, &eventRow{
			Seq:        evt.Seq,
			EventID:    evt.ID.String(),
			Type:       evt.Type,
			PositionID: evt.Attributes["id"],
			Attributes: string(attrs),
			RecordedAt: evt.RecordedAt.Format(time.RFC3339Nano),
		})
	}
	return len(rows), writeParquet(path, new(eventRow), rows)
}

func exportCommits(ctx context.Context, store *storage.Storage, limit int, path string) (int, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	samples, err := store.RecentCommits(ctx, limit)
	if err != nil {
		return 0, err
	}
	rows := make([]any, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, &commitRow{Rate: s.Rate.String(), CommittedAt: s.Timestamp.UTC().Format(time.RFC3339Nano)})
	}
	return len(rows), writeParquet(path, new(commitRow), rows)
}

func writeParquet(path string, schema any, rows []any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close parquet file: %w", err)
	}
	return nil
}
