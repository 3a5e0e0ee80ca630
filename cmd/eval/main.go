package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"

	"github.com/ChizhovVadim/SkirmishGo/internal/checkpoint"
	"github.com/ChizhovVadim/SkirmishGo/internal/dataset"
	"github.com/ChizhovVadim/SkirmishGo/internal/train"
	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var args = struct {
		Models    []string `arg:"positional,required" help:"snapshot files to score"`
		DataFile  string   `arg:"--data-file,required" help:"labeled CSV dataset"`
		BatchSize int      `arg:"--batch-size"`
		Threads   int      `arg:"--threads"`
		MaxValue  float64  `arg:"--max-value" help:"clip unit counts to [0, max]; must match training"`
	}{
		BatchSize: 1024,
		Threads:   runtime.NumCPU(),
		MaxValue:  100,
	}
	arg.MustParse(&args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	raws, err := dataset.LoadCSV(ctx, args.DataFile, args.Threads)
	if err != nil {
		log.Fatal(err)
	}
	var samples = dataset.ParseAll(raws, args.MaxValue)
	log.Println("loaded",
		"samples", humanize.Comma(int64(len(samples))),
		"rightRatio", dataset.LabelRatio(samples))

	var failed bool
	for _, path := range args.Models {
		if err := evaluate(path, samples, args.BatchSize, args.Threads); err != nil {
			log.Println(err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func evaluate(path string, samples []dataset.ParsedSample, batchSize, threads int) error {
	m, err := checkpoint.LoadModel(path)
	if err != nil {
		return err
	}
	if len(samples) != 0 && samples[0].UnitCount() != m.Topology.UnitTypes {
		return errors.Errorf("%v: model has %v unit types, dataset has %v",
			path, m.Topology.UnitTypes, samples[0].UnitCount())
	}
	var metrics = train.Evaluate(m, samples, batchSize, threads)
	log.Println("evaluate",
		"model", path,
		"samples", humanize.Comma(int64(metrics.Samples)),
		"skippedBatches", metrics.Skipped,
		"loss", metrics.Loss(),
		"accuracy", metrics.Accuracy())
	return nil
}
