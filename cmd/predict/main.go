package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"

	"github.com/ChizhovVadim/SkirmishGo/internal/checkpoint"
	"github.com/ChizhovVadim/SkirmishGo/internal/dataset"
	"github.com/ChizhovVadim/SkirmishGo/internal/ml"
	"github.com/ChizhovVadim/SkirmishGo/internal/model"
	arg "github.com/alexflint/go-arg"
	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

type prediction struct {
	Row              int     `csv:"row"`
	Label            string  `csv:"label"`
	RightProbability float64 `csv:"right_probability"`
	Predicted        string  `csv:"predicted"`
}

type predictArgs struct {
	Model    string    `arg:"--model,required" help:"snapshot file"`
	DataFile string    `arg:"--data-file" help:"labeled CSV dataset to score row by row"`
	Output   string    `arg:"--output" help:"predictions CSV (default: stdout)"`
	Left     []float64 `arg:"--left" help:"left side unit counts, one per unit type"`
	Right    []float64 `arg:"--right" help:"right side unit counts, one per unit type"`
	MaxValue float64   `arg:"--max-value" help:"clip unit counts to [0, max]; must match training"`
	Threads  int       `arg:"--threads"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var args = predictArgs{
		MaxValue: 100,
		Threads:  runtime.NumCPU(),
	}
	var p = arg.MustParse(&args)
	if args.DataFile == "" && len(args.Left) == 0 && len(args.Right) == 0 {
		p.Fail("either --data-file or --left/--right is required")
	}

	var err = run(args)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func run(args predictArgs) error {
	m, err := checkpoint.LoadModel(args.Model)
	if err != nil {
		return err
	}
	if args.DataFile == "" {
		return predictOne(m, args)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	raws, err := dataset.LoadCSV(ctx, args.DataFile, args.Threads)
	if err != nil {
		return err
	}
	var predictions = make([]prediction, 0, len(raws))
	for _, raw := range raws {
		var s = dataset.Parse(raw, args.MaxValue)
		if s.UnitCount() != m.Topology.UnitTypes {
			return errors.Errorf("row %v: %v unit types, model has %v",
				raw.Row, s.UnitCount(), m.Topology.UnitTypes)
		}
		var probability = ml.Sigmoid(m.Forward(&s, nil))
		predictions = append(predictions, prediction{
			Row:              raw.Row,
			Label:            raw.Label,
			RightProbability: probability,
			Predicted:        winner(probability),
		})
	}

	var w io.Writer = os.Stdout
	if args.Output != "" {
		f, err := os.Create(args.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := gocsv.Marshal(&predictions, w); err != nil {
		return errors.Wrap(err, "write predictions")
	}
	log.Println("predict", "rows", len(predictions), "output", args.Output)
	return nil
}

func predictOne(m *model.Model, args predictArgs) error {
	var n = m.Topology.UnitTypes
	if len(args.Left) != n || len(args.Right) != n {
		return errors.Errorf("model expects %v counts per side, got %v left and %v right",
			n, len(args.Left), len(args.Right))
	}
	var s = dataset.Parse(dataset.RawSample{
		Features: append(append([]float64{}, args.Left...), args.Right...),
	}, args.MaxValue)
	var logit = m.Predict(s.LeftSign, s.LeftCount, s.RightSign, s.RightCount)
	var probability = ml.Sigmoid(logit)
	fmt.Printf("logit %.4f right %.4f left %.4f winner %v\n",
		logit, probability, 1-probability, winner(probability))
	return nil
}

func winner(rightProbability float64) string {
	if rightProbability > 0.5 {
		return dataset.LabelRight
	}
	return dataset.LabelLeft
}
