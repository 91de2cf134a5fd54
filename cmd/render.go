package cmd

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from data map
	Width  int    // calculated width
}

// renderTable renders a table with dynamic column width calculation
func renderTable(w io.Writer, columns []TableColumn, data []map[string]interface{}) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = len(columns[i].Header)
		for _, row := range data {
			if value, exists := row[columns[i].Key]; exists {
				valueStr := fmt.Sprintf("%v", value)
				if len(valueStr) > columns[i].Width {
					columns[i].Width = len(valueStr)
				}
			}
		}
	}

	var headerParts, separatorParts []string
	for _, col := range columns {
		headerParts = append(headerParts, fmt.Sprintf("%-*s", col.Width, col.Header))
		separatorParts = append(separatorParts, strings.Repeat("-", col.Width))
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(headerParts, " "), " "))
	fmt.Fprintln(w, strings.Join(separatorParts, " "))

	for _, row := range data {
		var rowParts []string
		for _, col := range columns {
			value := ""
			if v, exists := row[col.Key]; exists {
				value = fmt.Sprintf("%v", v)
			}
			rowParts = append(rowParts, fmt.Sprintf("%-*s", col.Width, value))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(rowParts, " "), " "))
	}
}
