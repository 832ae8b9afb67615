package journal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetLeg struct {
	RunID         string `parquet:"name=run_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Scenario      string `parquet:"name=scenario, type=UTF8, encoding=PLAIN_DICTIONARY"`
	RunOutcome    string `parquet:"name=run_outcome, type=UTF8, encoding=PLAIN_DICTIONARY"`
	StartedAt     string `parquet:"name=started_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Bundle        int32  `parquet:"name=bundle, type=INT32"`
	Label         string `parquet:"name=label, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Commitment    string `parquet:"name=commitment, type=UTF8, encoding=PLAIN_DICTIONARY"`
	BundleOutcome string `parquet:"name=bundle_outcome, type=UTF8, encoding=PLAIN_DICTIONARY"`
	LegIndex      int32  `parquet:"name=leg_index, type=INT32"`
	Participant   string `parquet:"name=participant, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Ledger        string `parquet:"name=ledger, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Kind          string `parquet:"name=kind, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Asset         string `parquet:"name=asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Recipient     string `parquet:"name=recipient, type=UTF8, encoding=PLAIN_DICTIONARY"`
	AssetClass    string `parquet:"name=asset_class, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount        string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TxHash        string `parquet:"name=tx_hash, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Status        string `parquet:"name=status, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Scheduled     bool   `parquet:"name=scheduled, type=BOOLEAN"`
	Duplicate     bool   `parquet:"name=duplicate, type=BOOLEAN"`
	Attention     bool   `parquet:"name=attention, type=BOOLEAN"`
	Error         string `parquet:"name=error, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// ExportParquet writes one row per leg of every run started at or after
// since to path, creating parent directories. It returns the row count.
func (s *Store) ExportParquet(ctx context.Context, path string, since time.Time) (int, error) {
	var runs []Run
	query := s.db.WithContext(ctx).Omit("report").Preload("Legs")
	if !since.IsZero() {
		query = query.Where("started_at >= ?", since.UTC())
	}
	if err := query.Order("started_at ASC").Find(&runs).Error; err != nil {
		return 0, fmt.Errorf("journal: load runs: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("journal: create export dir: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(parquetLeg), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	count := 0
	for _, run := range runs {
		for _, leg := range run.Legs {
			row := &parquetLeg{
				RunID:         run.ID,
				Scenario:      run.Scenario,
				RunOutcome:    run.Outcome,
				StartedAt:     run.StartedAt.UTC().Format(time.RFC3339),
				Bundle:        int32(leg.Bundle),
				Label:         leg.Label,
				Commitment:    leg.Commitment,
				BundleOutcome: leg.BundleOutcome,
				LegIndex:      int32(leg.Index),
				Participant:   leg.Participant,
				Ledger:        leg.Ledger,
				Kind:          leg.Kind,
				Asset:         leg.Asset,
				Recipient:     leg.Recipient,
				AssetClass:    leg.AssetClass,
				Amount:        leg.Amount,
				TxHash:        leg.TxHash,
				Status:        leg.Status,
				Scheduled:     leg.Scheduled,
				Duplicate:     leg.Duplicate,
				Attention:     leg.Attention,
				Error:         leg.Error,
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				file.Close()
				return count, fmt.Errorf("journal: parquet write: %w", err)
			}
			count++
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return count, fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return count, fmt.Errorf("journal: close parquet file: %w", err)
	}
	s.logger.Info("journal exported", slog.String("path", path), slog.Int("rows", count))
	return count, nil
}
