package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"wormfeatures/pkg/pipeline"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// frameTable renders per-frame rows. Pair rows get a second time column and
// a value column.
func frameTable(sum pipeline.Summary, pairs bool) string {
	headers := []string{"T", "Outcome", "Detail"}
	aligns := []columnAlignment{alignRight, alignLeft, alignLeft}
	if pairs {
		headers = []string{"T1", "T2", "Outcome", "Score"}
		aligns = []columnAlignment{alignRight, alignRight, alignLeft, alignRight}
	}
	rows := make([][]string, 0, len(sum.Rows))
	for _, r := range sum.Rows {
		if r.Outcome == "" {
			continue
		}
		if pairs {
			score := ""
			if r.Outcome == pipeline.OutcomeOK {
				score = strconv.FormatFloat(r.Value, 'f', 3, 64)
			}
			rows = append(rows, []string{strconv.Itoa(r.T), strconv.Itoa(r.T2), r.Outcome, score})
			continue
		}
		rows = append(rows, []string{strconv.Itoa(r.T), r.Outcome, r.Detail})
	}
	return renderTable(headers, rows, aligns)
}

func summaryLine(sum pipeline.Summary) string {
	return fmt.Sprintf("%s: %d processed, %d flagged, %d not found (run %s, %s)",
		sum.Command, sum.Frames, sum.Flagged, sum.NotFound, sum.RunID, sum.Elapsed.Round(time.Millisecond))
}
