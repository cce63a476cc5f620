package worklist

import (
	"fmt"
	"io"

	"orthanc-orchestrator/internal/models"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Worklist"

var exportColumns = []struct {
	header string
	width  float64
	value  func(models.ScheduleEntry) string
}{
	{"Patient ID", 15, func(e models.ScheduleEntry) string { return e.PatientID }},
	{"Patient Name", 25, func(e models.ScheduleEntry) string { return e.PatientName }},
	{"Birth Date", 12, func(e models.ScheduleEntry) string { return e.PatientBirthDate }},
	{"Sex", 6, func(e models.ScheduleEntry) string { return e.PatientSex }},
	{"Accession Number", 18, func(e models.ScheduleEntry) string { return e.AccessionNumber }},
	{"Study Instance UID", 40, func(e models.ScheduleEntry) string { return e.StudyInstanceUID }},
	{"Study Description", 25, func(e models.ScheduleEntry) string { return e.StudyDescription }},
	{"Scheduled Date", 14, func(e models.ScheduleEntry) string { return e.ScheduledDate }},
	{"Scheduled Time", 14, func(e models.ScheduleEntry) string { return e.ScheduledTime }},
	{"Modality", 10, func(e models.ScheduleEntry) string { return e.Modality }},
	{"Station AE Title", 18, func(e models.ScheduleEntry) string { return e.StationAET }},
	{"Step Description", 25, func(e models.ScheduleEntry) string { return e.Description }},
	{"Status", 12, func(e models.ScheduleEntry) string { return e.Status }},
}

// ExportXLSX writes entries as a single-sheet workbook.
func ExportXLSX(w io.Writer, entries []models.ScheduleEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to remove default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for i, col := range exportColumns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(exportSheet, cell, col.header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(exportSheet, name, name, col.width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(exportColumns), 1)
	if err := f.SetCellStyle(exportSheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}

	for r, e := range entries {
		for c, col := range exportColumns {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return fmt.Errorf("failed to convert coordinates: %w", err)
			}
			// text cells keep leading zeros in ids and dates
			if err := f.SetCellStr(exportSheet, cell, col.value(e)); err != nil {
				return fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
