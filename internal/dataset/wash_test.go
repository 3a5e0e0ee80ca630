package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rows(lines ...string) [][]string {
	var result = make([][]string, len(lines))
	for i, line := range lines {
		result[i] = strings.Split(line, ",")
	}
	return result
}

func TestWash(t *testing.T) {
	var records = rows(
		"1,0,0,2,L,a.png",   // 1 kept
		"0,0,1,1,R,b.png",   // 2 empty left side
		"1,,0,2,L,c.png",    // 3 invalid cell
		"1,0,0",             // 4 short
		"2,0,0,3,L,a.png",   // 5 duplicate timestamp
		"1,200,0,3,L,d.png", // 6 count range
		"4,0,0,1,R,N/A",     // 7 no timestamp, kept when not required
	)
	var opts = DefaultWashOptions()
	opts.UnitTypes = 2
	opts.RepeatThreshold = 0
	kept, report := Wash(records, opts)

	require.Len(t, kept, 2)
	assert.Equal(t, "1", kept[0][0])
	assert.Equal(t, "4", kept[1][0])
	assert.Equal(t, 7, report.Total)
	assert.Equal(t, 2, report.Kept)
	assert.Equal(t, []int{3, 4}, report.Removed[ReasonInvalid])
	assert.Equal(t, []int{2}, report.Removed[ReasonEmptySide])
	assert.Equal(t, []int{5}, report.Removed[ReasonDuplicateTimestamp])
	assert.Equal(t, []int{6}, report.Removed[ReasonCountRange])

	opts.RequireTimestamp = true
	kept, report = Wash(records, opts)
	require.Len(t, kept, 1)
	assert.Equal(t, []int{7}, report.Removed[ReasonNoTimestamp])
}

func TestWashRepeatedRuns(t *testing.T) {
	var records = rows(
		"1,0,0,1,L",
		"2,0,0,1,L",
		"3,0,0,1,L",
		"9,0,0,9,R",
		"1,0,0,1,L",
		"2,0,0,1,L",
		"3,0,0,1,L",
		"5,0,0,5,R",
		"1,0,0,1,L",
		"2,0,0,1,L",
	)
	var opts = DefaultWashOptions()
	opts.RepeatThreshold = 3
	kept, report := Wash(records, opts)
	assert.Equal(t, []int{5, 6, 7}, report.Removed[ReasonRepeatedRun])
	assert.Len(t, kept, 7)
}

func TestWashInfersUnitTypes(t *testing.T) {
	var records = rows(
		"l0,l1,l2,r0,r1,r2,label",
		"1,0,0,0,0,2,L",
	)
	kept, report := Wash(records, DefaultWashOptions())
	assert.Len(t, kept, 1)
	assert.Equal(t, []int{1}, report.Removed[ReasonInvalid])
}

func TestMergeRanges(t *testing.T) {
	tests := []struct {
		in   []int
		want string
	}{
		{nil, ""},
		{[]int{4}, "4"},
		{[]int{1, 2, 3, 7, 9, 10}, "1-3,7,9-10"},
		{[]int{2, 4, 6}, "2,4,6"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MergeRanges(tt.in))
	}
	assert.Equal(t, "countRange", ReasonCountRange.String())
}

func TestWashFiles(t *testing.T) {
	var dir = t.TempDir()
	var inputDir = filepath.Join(dir, "in")
	require.NoError(t, os.MkdirAll(filepath.Join(inputDir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "a.csv"),
		[]byte("l0,r0,label\n1,2,L\n0,2,L\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "nested", "b.csv"),
		[]byte("3,4,R\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "notes.txt"),
		[]byte("ignored"), 0o644))

	var output = filepath.Join(dir, "washed.csv")
	report, err := WashFiles(context.Background(), []string{inputDir}, output, DefaultWashOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Kept)

	samples, err := LoadCSV(context.Background(), output, 1)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, []float64{1, 2}, samples[0].Features)
	assert.Equal(t, []float64{3, 4}, samples[1].Features)
}
