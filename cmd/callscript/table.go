package main

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column is one table column. Count columns are right-aligned.
type column struct {
	title string
	count bool
}

// reportTable collects rows for one operator report. Titles and footers are
// printed as given so status names match the values stored in the database.
type reportTable struct {
	columns []column
	rows    [][]string
	footer  []string
}

func newReportTable(columns ...column) *reportTable {
	return &reportTable{columns: columns}
}

func (t *reportTable) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *reportTable) addCounts(label string, counts ...int64) {
	cells := []string{label}
	for _, n := range counts {
		cells = append(cells, strconv.FormatInt(n, 10))
	}
	t.add(cells...)
}

func (t *reportTable) total(cells ...string) {
	t.footer = cells
}

func (t *reportTable) String() string {
	if len(t.columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Format.Footer = text.FormatDefault

	configs := make([]table.ColumnConfig, len(t.columns))
	header := make(table.Row, len(t.columns))
	for i, c := range t.columns {
		header[i] = c.title
		align := text.AlignLeft
		if c.count {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft, AlignFooter: align}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, cells := range t.rows {
		tw.AppendRow(t.row(cells))
	}
	if len(t.footer) > 0 {
		tw.AppendFooter(t.row(t.footer))
	}
	return tw.Render()
}

// row pads or trims cells to the column count.
func (t *reportTable) row(cells []string) table.Row {
	r := make(table.Row, len(t.columns))
	for i := range r {
		if i < len(cells) {
			r[i] = cells[i]
		} else {
			r[i] = ""
		}
	}
	return r
}
