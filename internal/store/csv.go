package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// ExportResultsCSV writes a stream's full detection history as CSV,
// paging through the result store so arbitrarily long histories never
// load at once. The first page is fetched before anything is written,
// so a broken store fails the export before the caller has committed
// to a response.
//
// Columns: stream, timestamp, value, predicted_anomaly, threshold.
func ExportResultsCSV(ctx context.Context, w io.Writer, st ResultStore, stream string) error {
	const page = 1000
	results, err := st.QueryResults(ctx, stream, 0, page)
	if err != nil {
		return fmt.Errorf("query results: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"stream", "timestamp", "value", "predicted_anomaly", "threshold"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for len(results) > 0 {
		for _, r := range results {
			row := []string{
				stream,
				strconv.FormatInt(r.Timestamp, 10),
				strconv.FormatFloat(r.Value, 'g', -1, 64),
				strconv.Itoa(boolToInt(r.IsAnomaly)),
				strconv.FormatFloat(r.Threshold, 'g', -1, 64),
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
		if len(results) < page {
			break
		}
		since := results[len(results)-1].Timestamp + 1
		if results, err = st.QueryResults(ctx, stream, since, page); err != nil {
			return fmt.Errorf("query results: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
