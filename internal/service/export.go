package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"repairpos/internal/domain"
	"repairpos/internal/store"
)

const (
	ExportFormatCSV  = "csv"
	ExportFormatXLSX = "xlsx"

	exportSheet = "Sheet1"
)

var undoLogExportHeader = []string{
	"Purchase ID", "Product", "Supplier", "Quantity", "Buying Price",
	"Date Purchased", "Date Undone", "Undone By", "Reason",
}

type Export struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportPurchaseUndoLogs renders every log matching the query, up to the
// configured row limit, as CSV or XLSX.
func (s *Service) ExportPurchaseUndoLogs(ctx context.Context, query UndoLogQuery, format string) (Export, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportFormatCSV
	}
	if format != ExportFormatCSV && format != ExportFormatXLSX {
		return Export{}, store.Invalid("format must be csv or xlsx")
	}

	filter, err := query.filter()
	if err != nil {
		return Export{}, err
	}
	filter.Page = 1
	filter.Limit = s.opts.ExportRowLimit

	logs, _, err := s.repo.ListPurchaseUndoLogs(ctx, filter)
	if err != nil {
		return Export{}, err
	}

	rows := make([][]string, 0, len(logs))
	for _, entry := range logs {
		rows = append(rows, undoLogRow(entry))
	}

	stamp := s.now().UTC().Format("20060102")
	if format == ExportFormatXLSX {
		data, err := renderXLSX(undoLogExportHeader, rows)
		if err != nil {
			return Export{}, fmt.Errorf("render undo log xlsx: %w", err)
		}
		return Export{
			Filename:    "purchase-undo-logs-" + stamp + ".xlsx",
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Data:        data,
		}, nil
	}

	data, err := renderCSV(undoLogExportHeader, rows)
	if err != nil {
		return Export{}, fmt.Errorf("render undo log csv: %w", err)
	}
	return Export{
		Filename:    "purchase-undo-logs-" + stamp + ".csv",
		ContentType: "text/csv; charset=utf-8",
		Data:        data,
	}, nil
}

func undoLogRow(entry domain.PurchaseUndoLog) []string {
	return []string{
		entry.PurchaseID,
		entry.ProductTitle,
		entry.SupplierName,
		strconv.Itoa(entry.Quantity),
		entry.BuyingPrice.StringFixed(2),
		entry.PurchaseDate.UTC().Format(dateLayout),
		entry.UndoneAt.UTC().Format(time.RFC3339),
		entry.UndoneBy,
		entry.Reason,
	}
}

func renderCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderXLSX(header []string, rows [][]string) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	for col, title := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(exportSheet, cell, title); err != nil {
			return nil, err
		}
	}
	for r, row := range rows {
		for col, value := range row {
			cell, err := excelize.CoordinatesToCellName(col+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(exportSheet, cell, value); err != nil {
				return nil, err
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
