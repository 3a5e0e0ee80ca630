package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dgryski/go-spooky"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type WashReason int

const (
	ReasonInvalid WashReason = iota
	ReasonEmptySide
	ReasonRepeatedRun
	ReasonNoTimestamp
	ReasonDuplicateTimestamp
	ReasonCountRange
)

var washReasonNames = [...]string{
	ReasonInvalid:            "invalid",
	ReasonEmptySide:          "emptySide",
	ReasonRepeatedRun:        "repeatedRun",
	ReasonNoTimestamp:        "noTimestamp",
	ReasonDuplicateTimestamp: "duplicateTimestamp",
	ReasonCountRange:         "countRange",
}

func (r WashReason) String() string {
	if int(r) < len(washReasonNames) {
		return washReasonNames[r]
	}
	return fmt.Sprintf("WashReason(%d)", int(r))
}

type WashOptions struct {
	// UnitTypes is M. Zero means infer it from the first row with a numeric first cell.
	UnitTypes int
	// MaxCount bounds every unit count; rows outside [0, MaxCount] are dropped. Zero disables.
	MaxCount float64
	// RepeatThreshold is the shortest run of rows that may not repeat an earlier run. Zero disables.
	RepeatThreshold int
	// RequireTimestamp drops rows without a screenshot timestamp column.
	RequireTimestamp bool
}

func DefaultWashOptions() WashOptions {
	return WashOptions{
		MaxCount:         100,
		RepeatThreshold:  3,
		RequireTimestamp: false,
	}
}

type WashReport struct {
	Total   int
	Kept    int
	Removed map[WashReason][]int
}

// Log prints the removed rows per reason as 1-based merged ranges.
func (r *WashReport) Log(logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	logger.Println("wash",
		"total", humanize.Comma(int64(r.Total)),
		"kept", humanize.Comma(int64(r.Kept)))
	for reason := ReasonInvalid; int(reason) < len(washReasonNames); reason++ {
		var rows = r.Removed[reason]
		if len(rows) == 0 {
			continue
		}
		logger.Println("wash",
			"reason", reason,
			"count", len(rows),
			"rows", MergeRanges(rows))
	}
}

type washRow struct {
	index  int
	record []string
	counts []float64
}

// Wash filters raw CSV records. Row numbers in the report are 1-based positions in records.
func Wash(records [][]string, opts WashOptions) ([][]string, WashReport) {
	var report = WashReport{
		Total:   len(records),
		Removed: make(map[WashReason][]int),
	}
	var unitTypes = opts.UnitTypes
	if unitTypes == 0 {
		unitTypes = inferUnitTypes(records)
	}
	var remove = func(reason WashReason, row washRow) {
		report.Removed[reason] = append(report.Removed[reason], row.index+1)
	}

	var rows []washRow
	for i, record := range records {
		var row = washRow{index: i, record: record}
		counts, ok := numericPrefix(record, 2*unitTypes)
		if unitTypes == 0 || !ok {
			remove(ReasonInvalid, row)
			continue
		}
		row.counts = counts
		if allZero(counts[:unitTypes]) || allZero(counts[unitTypes:]) {
			remove(ReasonEmptySide, row)
			continue
		}
		rows = append(rows, row)
	}

	if opts.RepeatThreshold > 0 {
		var repeated = repeatedRuns(rows, opts.RepeatThreshold)
		var kept = rows[:0]
		for i, row := range rows {
			if repeated[i] {
				remove(ReasonRepeatedRun, row)
			} else {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	var seen = make(map[string]struct{})
	var timestampColumn = 2*unitTypes + 1
	var kept = rows[:0]
	for _, row := range rows {
		var ts string
		if len(row.record) > timestampColumn {
			ts = strings.TrimSpace(row.record[timestampColumn])
		}
		if ts == "" || ts == "N/A" {
			if opts.RequireTimestamp {
				remove(ReasonNoTimestamp, row)
				continue
			}
		} else {
			if _, found := seen[ts]; found {
				remove(ReasonDuplicateTimestamp, row)
				continue
			}
			seen[ts] = struct{}{}
		}
		kept = append(kept, row)
	}
	rows = kept

	var result = make([][]string, 0, len(rows))
	for _, row := range rows {
		if opts.MaxCount > 0 && !inRange(row.counts, opts.MaxCount) {
			remove(ReasonCountRange, row)
			continue
		}
		result = append(result, row.record)
	}
	for reason := range report.Removed {
		sort.Ints(report.Removed[reason])
	}
	report.Kept = len(result)
	return result, report
}

func inferUnitTypes(records [][]string) int {
	for _, record := range records {
		var n = 0
		for n < len(record) {
			if _, err := strconv.ParseFloat(strings.TrimSpace(record[n]), 64); err != nil {
				break
			}
			n++
		}
		if n >= 2 && n < len(record) {
			return n / 2
		}
	}
	return 0
}

func numericPrefix(record []string, n int) ([]float64, bool) {
	if len(record) < n+1 {
		return nil, false
	}
	var values = make([]float64, n)
	for i := 0; i < n; i++ {
		var cell = strings.TrimSpace(record[i])
		if cell == "" {
			return nil, false
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func allZero(values []float64) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}

func inRange(values []float64, maxCount float64) bool {
	for _, v := range values {
		if v < 0 || v > maxCount {
			return false
		}
	}
	return true
}

func fingerprint(counts []float64) uint64 {
	var sb strings.Builder
	for i, v := range counts {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return spooky.Hash64([]byte(sb.String()))
}

// repeatedRuns marks rows that close a run of at least threshold consecutive rows
// repeating an earlier run with the same fingerprints in the same order.
func repeatedRuns(rows []washRow, threshold int) []bool {
	var marks = make([]bool, len(rows))
	var positions = make(map[uint64][]int)
	var prevRuns = make(map[int]int)
	for j := range rows {
		var fp = fingerprint(rows[j].counts)
		var runs = make(map[int]int)
		var longest int
		for _, i := range positions[fp] {
			var run = prevRuns[i-1] + 1
			runs[i] = run
			if run > longest {
				longest = run
			}
		}
		if longest >= threshold {
			for k := j - longest + 1; k <= j; k++ {
				marks[k] = true
			}
		}
		positions[fp] = append(positions[fp], j)
		prevRuns = runs
	}
	return marks
}

// MergeRanges renders sorted row numbers as "1-3,7,9-10".
func MergeRanges(rows []int) string {
	if len(rows) == 0 {
		return ""
	}
	var parts []string
	var start, end = rows[0], rows[0]
	var flush = func() {
		if start == end {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}
	for _, row := range rows[1:] {
		if row == end+1 {
			end = row
			continue
		}
		flush()
		start, end = row, row
	}
	flush()
	return strings.Join(parts, ",")
}

// WashFiles reads every CSV in paths (directories are walked for *.csv), washes the
// concatenated rows and writes the kept ones to output with a header row.
func WashFiles(ctx context.Context, paths []string, output string, opts WashOptions) (WashReport, error) {
	files, err := csvFiles(paths)
	if err != nil {
		return WashReport{}, err
	}
	if len(files) == 0 {
		return WashReport{}, errors.New("no CSV files to wash")
	}

	var contents = make([][][]string, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i := range files {
		var i = i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			records, err := readAllRecords(files[i])
			if err != nil {
				return err
			}
			contents[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return WashReport{}, err
	}

	var header []string
	var records [][]string
	for _, fileRecords := range contents {
		if len(fileRecords) != 0 && !isNumeric(fileRecords[0]) {
			if header == nil {
				header = fileRecords[0]
			}
			fileRecords = fileRecords[1:]
		}
		records = append(records, fileRecords...)
	}
	if opts.UnitTypes == 0 {
		opts.UnitTypes = inferUnitTypes(records)
	}
	if header == nil {
		header = generatedHeader(opts.UnitTypes)
	}

	kept, report := Wash(records, opts)
	if err := writeRecords(output, header, kept); err != nil {
		return report, err
	}
	log.Println("washFiles",
		"files", len(files),
		"output", output)
	return report, nil
}

func csvFiles(paths []string) ([]string, error) {
	var result []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrap(err, "wash input")
		}
		if !info.IsDir() {
			result = append(result, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ".csv") {
				result = append(result, p)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walk %v", path)
		}
	}
	return result, nil
}

func isNumeric(record []string) bool {
	if len(record) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
	return err == nil
}

func generatedHeader(unitTypes int) []string {
	var header = make([]string, 0, 2*unitTypes+1)
	for i := 0; i < unitTypes; i++ {
		header = append(header, fmt.Sprintf("L%d", i))
	}
	for i := 0; i < unitTypes; i++ {
		header = append(header, fmt.Sprintf("R%d", i))
	}
	return append(header, "label")
}

func readAllRecords(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open wash input")
	}
	defer f.Close()
	var reader = csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "read %v", path)
	}
	return records, nil
}

func writeRecords(path string, header []string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create wash output")
	}
	defer f.Close()
	var w = csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return errors.Wrap(err, "write header")
	}
	if err := w.WriteAll(records); err != nil {
		return errors.Wrap(err, "write rows")
	}
	return f.Close()
}
