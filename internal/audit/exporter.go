package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"rezerv/internal/models"

	"github.com/rs/zerolog"
)

// Source supplies the reservation and its committed history.
type Source interface {
	GetCurrent(ctx context.Context, id string) (*models.Reservation, error)
	History(ctx context.Context, id string) ([]models.Transition, error)
}

// Exporter builds a two-sheet workbook per reservation: a summary sheet
// and the full transition history.
type Exporter struct {
	source Source
	writer func() SheetWriter
	logger *zerolog.Logger
}

func NewExporter(source Source, writerFactory func() SheetWriter, logger *zerolog.Logger) *Exporter {
	return &Exporter{
		source: source,
		writer: writerFactory,
		logger: logger,
	}
}

func (e *Exporter) Export(ctx context.Context, reservationID string) ([]byte, error) {
	res, err := e.source.GetCurrent(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	history, err := e.source.History(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	excel := e.writer()
	defer excel.Close()

	if err := e.writeSummary(excel, res); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	if err := e.writeHistory(excel, history); err != nil {
		return nil, fmt.Errorf("write history: %w", err)
	}

	var buf bytes.Buffer
	if err := excel.Save(&buf); err != nil {
		return nil, fmt.Errorf("save workbook: %w", err)
	}

	e.logger.Info().
		Str("reservation_id", reservationID).
		Int("transitions", len(history)).
		Msg("audit export generated")

	return buf.Bytes(), nil
}

func (e *Exporter) writeSummary(excel SheetWriter, res *models.Reservation) error {
	if err := excel.AddSheet("Reservation"); err != nil {
		return err
	}
	if err := excel.WriteHeader([]string{"Field", "Value"}); err != nil {
		return err
	}

	rows := [][]any{
		{"ID", res.ID},
		{"Resource", res.ResourceID},
		{"Start", res.Interval.Start.Format(time.RFC3339)},
		{"End", res.Interval.End.Format(time.RFC3339)},
		{"Party size", res.PartySize},
		{"State", string(res.State)},
		{"Version", res.Version},
		{"Owner", res.Owner},
	}
	if !res.HoldUntil.IsZero() {
		rows = append(rows, []any{"Hold until", res.HoldUntil.Format(time.RFC3339)})
	}

	for _, row := range rows {
		if err := excel.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) writeHistory(excel SheetWriter, history []models.Transition) error {
	if err := excel.AddSheet("Transitions"); err != nil {
		return err
	}
	if err := excel.WriteHeader([]string{"At", "From", "To", "Version"}); err != nil {
		return err
	}

	for _, tr := range history {
		row := []any{
			tr.At.Format(time.RFC3339),
			string(tr.From),
			string(tr.To),
			tr.Version,
		}
		if err := excel.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}
