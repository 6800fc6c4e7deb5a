package evaluate

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// MetricsFileName is the default name of the accumulated metrics CSV.
const MetricsFileName = "metrics.csv"

// metricsHeader is the fixed column order of the metrics CSV.
var metricsHeader = []string{"reg_type", "beta", "alpha", "loss", "accuracy", "precision", "recall", "f1"}

// MetricsRow is one evaluated configuration appended to the metrics CSV:
// which penalty was active (and its strength) plus the resulting test
// metrics.
type MetricsRow struct {
	RegType string
	Beta    float64
	Alpha   float64

	Loss      float64
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
}

// RowFromOutcome fills the metric columns of a row from an evaluation
// outcome; the penalty columns are the caller's.
func RowFromOutcome(regType string, beta, alpha float64, out *Outcome) MetricsRow {
	return MetricsRow{
		RegType:   regType,
		Beta:      beta,
		Alpha:     alpha,
		Loss:      out.Loss,
		Accuracy:  out.Accuracy,
		Precision: out.Precision,
		Recall:    out.Recall,
		F1:        out.F1,
	}
}

// AppendMetricsRow appends the row to the CSV at path, writing the header
// first when the file is new. Rows accumulate across runs, one per evaluated
// configuration.
func AppendMetricsRow(path string, row MetricsRow) error {
	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open metrics file %q", path)
	}
	w := csv.NewWriter(f)
	if writeHeader {
		err = w.Write(metricsHeader)
	}
	if err == nil {
		err = w.Write([]string{
			row.RegType,
			formatFloat(row.Beta),
			formatFloat(row.Alpha),
			formatFloat(row.Loss),
			formatFloat(row.Accuracy),
			formatFloat(row.Precision),
			formatFloat(row.Recall),
			formatFloat(row.F1),
		})
	}
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to append to metrics file %q", path)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
