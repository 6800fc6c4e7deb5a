package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/janpfeifer/must"

	"github.com/sparselab/sparsetune/evaluate"
	"github.com/sparselab/sparsetune/search"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	bestRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// newPlainTable creates a table in the usual style: reversed header, faint
// even rows, and bestRow (if >= 0) highlighted.
func newPlainTable(bestRow int, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				s = headerRowStyle
				return
			case row == bestRow:
				s = bestRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
}

// cmdSummary prints the trial log and the accumulated evaluation metrics of
// the experiments under baseDir, highlighting the best (lowest validation
// loss) trial.
func cmdSummary(baseDir string) {
	trialsPath := filepath.Join(baseDir, "trials.csv")
	if df, ok := readCSVIfPresent(trialsPath); ok {
		printTrials(df)
	} else {
		fmt.Printf("No trial log in %s yet -- run -cmd=search first.\n", trialsPath)
	}
	metricsPath := filepath.Join(baseDir, evaluate.MetricsFileName)
	if df, ok := readCSVIfPresent(metricsPath); ok {
		fmt.Println("Evaluation metrics:")
		printRecords(df, -1)
	}
}

func readCSVIfPresent(path string) (dataframe.DataFrame, bool) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return dataframe.DataFrame{}, false
	}
	must.M(err)
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	must.M(df.Error())
	return df, df.Nrow() > 0
}

func printTrials(df dataframe.DataFrame) {
	bestRow := -1
	bestLoss := 0.0
	losses := df.Col(search.LossColumn).Records()
	for ii, cell := range losses {
		loss, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			continue
		}
		if bestRow < 0 || loss < bestLoss {
			bestRow, bestLoss = ii, loss
		}
	}
	fmt.Printf("Trial log: %s trials, best validation loss %g.\n",
		humanize.Comma(int64(df.Nrow())), bestLoss)
	printRecords(df, bestRow)
}

func printRecords(df dataframe.DataFrame, bestRow int) {
	table := newPlainTable(bestRow, lipgloss.Right)
	records := df.Records()
	table.Headers(records[0]...)
	for _, row := range records[1:] {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
