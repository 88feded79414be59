package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
)

const ruleWidth = 78

// Matching holds the database read-back after the engine's matches import.
type Matching struct {
	Images        int64 `json:"num_images"`
	InlierPairs   int64 `json:"num_inlier_pairs"`
	InlierMatches int64 `json:"num_inlier_matches"`
}

// Reconstruction holds the statistics of the selected model.
type Reconstruction struct {
	Model string `json:"model"`
	ModelStats
	DensePoints int `json:"num_dense_points"`
}

// Columns of the formatted statistics row. The four unnamed columns are
// filled in by hand in the results sheet.
var columns = []string{
	"Dataset", "Method", "Images", "Registered", "Sparse points",
	"Observations", "Track length", "Obs/image", "Reproj error",
	"Dense points", "", "", "", "", "Inlier pairs", "Inlier matches",
}

// Row returns the formatted statistics cells for a dataset. A nil
// reconstruction yields zero cells.
func Row(dataset string, m Matching, r *Reconstruction) []string {
	if r == nil {
		r = &Reconstruction{}
	}
	return []string{
		dataset,
		"METHOD",
		strconv.FormatInt(m.Images, 10),
		strconv.Itoa(r.RegisteredImages),
		strconv.Itoa(r.Points),
		strconv.Itoa(r.Observations),
		FormatFloat(r.MeanTrackLength),
		FormatFloat(r.MeanObservationsPerImage),
		FormatFloat(r.MeanReprojError),
		strconv.Itoa(r.DensePoints),
		"", "", "", "",
		strconv.FormatInt(m.InlierPairs, 10),
		strconv.FormatInt(m.InlierMatches, 10),
	}
}

// WriteRaw writes the "Raw statistics" block. A nil reconstruction is
// reported as such.
func WriteRaw(w io.Writer, m Matching, r *Reconstruction) error {
	var b strings.Builder
	b.WriteString("\n")
	writeBanner(&b, "Raw statistics")
	fmt.Fprintf(&b, "num_images: %d\n", m.Images)
	fmt.Fprintf(&b, "num_inlier_pairs: %d\n", m.InlierPairs)
	fmt.Fprintf(&b, "num_inlier_matches: %d\n", m.InlierMatches)
	if r == nil {
		b.WriteString("reconstruction: none\n")
	} else {
		fmt.Fprintf(&b, "model: %s\n", r.Model)
		fmt.Fprintf(&b, "num_reg_images: %d\n", r.RegisteredImages)
		fmt.Fprintf(&b, "num_sparse_points: %d\n", r.Points)
		fmt.Fprintf(&b, "num_observations: %d\n", r.Observations)
		fmt.Fprintf(&b, "mean_track_length: %s\n", FormatFloat(r.MeanTrackLength))
		fmt.Fprintf(&b, "num_observations_per_image: %s\n", FormatFloat(r.MeanObservationsPerImage))
		fmt.Fprintf(&b, "mean_reproj_error: %s\n", FormatFloat(r.MeanReprojError))
		fmt.Fprintf(&b, "num_dense_points: %d\n", r.DensePoints)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteFormatted writes the "Formatted statistics" block: one pipe-delimited
// row ready to paste into a results sheet.
func WriteFormatted(w io.Writer, dataset string, m Matching, r *Reconstruction) error {
	var b strings.Builder
	b.WriteString("\n")
	writeBanner(&b, "Formatted statistics")
	b.WriteString("| " + strings.Join(Row(dataset, m, r), " | ") + " |\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteTable renders the statistics as an aligned table.
func WriteTable(w io.Writer, dataset string, m Matching, r *Reconstruction) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault

	header := make(table.Row, 0, len(columns))
	row := make(table.Row, 0, len(columns))
	for i, cell := range Row(dataset, m, r) {
		if columns[i] == "" {
			continue
		}
		header = append(header, columns[i])
		row = append(row, cell)
	}
	t.AppendHeader(header)
	t.AppendRow(row)
	t.Render()
}

// WriteMatchingTable renders database statistics when no reconstruction ran.
func WriteMatchingTable(w io.Writer, schema string, m Matching) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault

	t.AppendHeader(table.Row{"Schema", "Images", "Inlier pairs", "Inlier matches"})
	t.AppendRow(table.Row{schema, m.Images, m.InlierPairs, m.InlierMatches})
	t.Render()
}

func writeBanner(b *strings.Builder, title string) {
	rule := strings.Repeat("=", ruleWidth)
	b.WriteString(rule + "\n" + title + "\n" + rule + "\n")
}

// FormatFloat prints whole numbers with a trailing ".0" and other values in
// their shortest form. The engine's option printer uses the same form.
func FormatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
