package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/ChizhovVadim/SkirmishGo/internal/dataset"
	arg "github.com/alexflint/go-arg"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var opts = dataset.DefaultWashOptions()
	var args = struct {
		Inputs           []string `arg:"positional,required" help:"CSV files or directories of raw records"`
		Output           string   `arg:"--output,required" help:"washed CSV"`
		UnitTypes        int      `arg:"--unit-types" help:"unit types per side (default: inferred)"`
		MaxCount         float64  `arg:"--max-count" help:"drop rows with a count outside [0, max]; 0 disables"`
		RepeatThreshold  int      `arg:"--repeat" help:"drop runs of at least this many rows that repeat earlier rows; 0 disables"`
		RequireTimestamp bool     `arg:"--require-timestamp" help:"drop rows without a screenshot timestamp"`
	}{
		MaxCount:         opts.MaxCount,
		RepeatThreshold:  opts.RepeatThreshold,
		RequireTimestamp: opts.RequireTimestamp,
	}
	arg.MustParse(&args)
	opts.UnitTypes = args.UnitTypes
	opts.MaxCount = args.MaxCount
	opts.RepeatThreshold = args.RepeatThreshold
	opts.RequireTimestamp = args.RequireTimestamp

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := dataset.WashFiles(ctx, args.Inputs, args.Output, opts)
	if err != nil {
		log.Fatal(err)
	}
	report.Log(log.Default())
}
