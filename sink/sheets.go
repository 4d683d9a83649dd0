package sink

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"fundflow/config"
	"fundflow/logger"
	"fundflow/models"
)

// SheetsWriter appends resolved observations to a Google spreadsheet, one
// worksheet per series.
type SheetsWriter struct {
	service       *sheets.Service
	spreadsheetID string
	log           *logger.Log
}

// NewSheetsWriter builds the Sheets client. A missing credentials file is a
// sink-fatal configuration problem, reported before any data moves.
func NewSheetsWriter(ctx context.Context, cfg config.SheetsConfig) (*SheetsWriter, error) {
	if err := CheckSheetsCredentials(cfg); err != nil {
		return nil, err
	}

	service, err := sheets.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, &models.SinkError{
			Destination: "sheets",
			Err:         fmt.Errorf("create sheets client: %w", err),
		}
	}

	return &SheetsWriter{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		log:           logger.GetLogger(),
	}, nil
}

// CheckSheetsCredentials verifies the sheet sink is usable without touching
// the network. Called before the first fetch so a misconfigured run aborts
// early instead of burning source quota.
func CheckSheetsCredentials(cfg config.SheetsConfig) error {
	if cfg.SpreadsheetID == "" {
		return &models.SinkError{Destination: "sheets", Err: fmt.Errorf("spreadsheet id is not configured")}
	}
	if cfg.CredentialsFile == "" {
		return &models.SinkError{Destination: "sheets", Err: fmt.Errorf("credentials file is not configured")}
	}
	if _, err := os.Stat(cfg.CredentialsFile); err != nil {
		return &models.SinkError{
			Destination: "sheets",
			Err:         fmt.Errorf("credentials file %s: %w", cfg.CredentialsFile, err),
		}
	}
	return nil
}

// Append adds rows below the worksheet's existing content. Zero rows is a
// success without a network call.
func (w *SheetsWriter) Append(ctx context.Context, worksheet string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, cell := range row {
			cells[j] = cell
		}
		values[i] = cells
	}

	_, err := w.service.Spreadsheets.Values.
		Append(w.spreadsheetID, worksheet+"!A1", &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return &models.SinkError{
			Destination: "sheets/" + worksheet,
			Err:         fmt.Errorf("append %d rows: %w", len(rows), err),
		}
	}

	logger.IncrementSinkWrite("sheets/"+worksheet, len(rows))
	w.log.WithComponent("sheets_sink").WithFields(logger.Fields{
		"worksheet": worksheet,
		"rows":      len(rows),
	}).Info("Rows appended to spreadsheet")
	return nil
}
