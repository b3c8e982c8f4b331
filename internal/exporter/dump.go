package exporter

import (
	"context"
	"fmt"

	"walletsync/internal/codec"
)

// Dump is a whole-store export in one payload.
type Dump struct {
	Data        []byte // NDJSON
	Hash        string
	RecordCount int
}

// Dump serializes every record of the store into a single NDJSON payload.
// It ignores partitions and cursors and is meant for small stores (backups taken at creation time).
func (e *Exporter) Dump(ctx context.Context) (*Dump, error) {
	it, err := e.store.IterateAfter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store iterator: %w", err)
	}
	defer it.Release()

	var data []byte
	count := 0
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dump cancelled: %w", err)
		}
		data = append(data, codec.EncodeRecordLine(codec.Record{Key: it.Key(), Value: it.Value()})...)
		count++
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to walk store: %w", err)
	}

	return &Dump{
		Data:        data,
		Hash:        codec.SHA256Hex(data),
		RecordCount: count,
	}, nil
}
