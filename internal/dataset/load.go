package dataset

import (
	"context"
	"encoding/csv"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const chunkSize = 1024

type recordChunk struct {
	firstRow int
	records  [][]string
}

// LoadCSV reads a dataset file: one header row, then 2*M numeric columns and the L/R label.
// Columns after the label are ignored. Rows are returned in file order.
func LoadCSV(ctx context.Context, path string, threads int) ([]RawSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dataset")
	}
	defer f.Close()
	samples, err := ReadCSV(ctx, f, threads)
	if err != nil {
		return nil, errors.WithMessagef(err, "load %v", path)
	}
	return samples, nil
}

func ReadCSV(ctx context.Context, r io.Reader, threads int) ([]RawSample, error) {
	if threads <= 0 {
		threads = 1
	}
	var reader = csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.Wrap(ErrBadRecord, "empty file")
		}
		return nil, errors.Wrap(err, "read header")
	}
	featureCount, err := featureColumns(header)
	if err != nil {
		return nil, err
	}

	g, ctx := errgroup.WithContext(ctx)
	var chunks = make(chan recordChunk, 16)
	var results = make(chan []RawSample, 16)

	g.Go(func() error {
		defer close(chunks)
		return readChunks(ctx, reader, chunks)
	})

	var wg = &sync.WaitGroup{}
	for i := 0; i < threads; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			return parseChunks(ctx, chunks, results, featureCount)
		})
	}

	g.Go(func() error {
		wg.Wait()
		close(results)
		return nil
	})

	var samples []RawSample
	g.Go(func() error {
		for chunk := range results {
			samples = append(samples, chunk...)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Row < samples[j].Row
	})
	log.Println("readCSV",
		"rows", humanize.Comma(int64(len(samples))),
		"unitTypes", featureCount/2)
	return samples, nil
}

// featureColumns derives 2*M from the header width: the features, the label,
// and at most one trailing column such as a screenshot timestamp.
func featureColumns(header []string) (int, error) {
	var n = len(header) - 1
	if n%2 != 0 {
		n--
	}
	if n <= 0 {
		return 0, errors.Wrapf(ErrBadRecord, "header has %v columns, want 2*M features and a label", len(header))
	}
	return n, nil
}

func readChunks(ctx context.Context, reader *csv.Reader, chunks chan<- recordChunk) error {
	var row = 1
	var chunk = recordChunk{firstRow: row + 1}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return errors.Wrapf(ErrBadRecord, "row %v: %v", row, err)
		}
		chunk.records = append(chunk.records, record)
		if len(chunk.records) == chunkSize {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case chunks <- chunk:
			}
			chunk = recordChunk{firstRow: row + 1}
		}
	}
	if len(chunk.records) != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunks <- chunk:
		}
	}
	return nil
}

func parseChunks(
	ctx context.Context,
	chunks <-chan recordChunk,
	results chan<- []RawSample,
	featureCount int,
) error {
	for chunk := range chunks {
		var samples = make([]RawSample, 0, len(chunk.records))
		for i, record := range chunk.records {
			sample, err := parseRecord(record, chunk.firstRow+i, featureCount)
			if err != nil {
				return err
			}
			samples = append(samples, sample)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case results <- samples:
		}
	}
	return nil
}

func parseRecord(record []string, row, featureCount int) (RawSample, error) {
	if len(record) < featureCount+1 {
		return RawSample{}, errors.Wrapf(ErrBadRecord, "row %v: %v columns, want at least %v",
			row, len(record), featureCount+1)
	}
	var features = make([]float64, featureCount)
	for i := 0; i < featureCount; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		if err != nil {
			return RawSample{}, errors.Wrapf(ErrBadRecord, "row %v column %v: %v", row, i+1, err)
		}
		features[i] = v
	}
	var label = strings.TrimSpace(record[featureCount])
	if label != LabelLeft && label != LabelRight {
		return RawSample{}, errors.Wrapf(ErrBadRecord, "row %v: label %q, want %v or %v",
			row, label, LabelLeft, LabelRight)
	}
	return RawSample{
		Row:      row,
		Features: features,
		Label:    label,
	}, nil
}
