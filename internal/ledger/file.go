package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// SheetName is the name of the sheet written by Save.
const SheetName = "Chats"

// ErrPersistence wraps every failure to read or write the ledger file.
var ErrPersistence = errors.New("ledger persistence failure")

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// readFile loads the first sheet of path. A missing file is an empty ledger.
func readFile(path string) (*Ledger, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, persistErr("open", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, persistErr("read rows", err)
	}

	l := New()
	if len(rows) == 0 {
		return l, nil
	}
	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[strings.TrimSpace(name)] = i
	}
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		l.load(decodeRow(row, col))
	}
	return l, nil
}

func decodeRow(row []string, col map[string]int) *Record {
	cell := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	return &Record{
		Name:              cell("Name"),
		Address:           cell("Number"),
		LastMessage:       cell("Last Message"),
		LastInteractionAt: cell("Last Interaction Date"),
		DayCounter:        parseCounter(cell("Day Counter")),
		Status:            Status(cell("Status")),
		Replied:           strings.EqualFold(cell("Replies"), "true"),
		Notes:             cell("Notes"),
		Source:            cell("Source"),
	}
}

func parseCounter(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// writeFile replaces path with a snapshot of l. The workbook is written to a
// temporary file in the same directory and renamed over the old one, so a
// failed write leaves the previous ledger intact.
func writeFile(path string, l *Ledger) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return persistErr("name sheet", err)
	}
	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return persistErr("write header", err)
	}
	for i, r := range l.Records() {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return persistErr("address row", err)
		}
		row := []any{
			r.Name, r.Address, r.LastMessage, r.LastInteractionAt,
			r.DayCounter, string(r.Status), strconv.FormatBool(r.Replied), r.Notes, r.Source,
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return persistErr("write row", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return persistErr("create dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.xlsx")
	if err != nil {
		return persistErr("create temp", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := f.Write(tmp); err != nil {
		_ = tmp.Close()
		return persistErr("encode", err)
	}
	if err := tmp.Close(); err != nil {
		return persistErr("close temp", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return persistErr("replace", err)
	}
	return nil
}
