package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/ChizhovVadim/SkirmishGo/internal/checkpoint"
	"github.com/ChizhovVadim/SkirmishGo/internal/config"
	"github.com/ChizhovVadim/SkirmishGo/internal/train"
	arg "github.com/alexflint/go-arg"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var cfg = config.Default()
	arg.MustParse(&cfg)
	log.Printf("%+v", cfg)

	var err = run(cfg)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := checkpoint.NewFileStore(cfg.SaveDirectory, log.Default())
	if err != nil {
		return err
	}
	state, err := train.Run(ctx, cfg, store, log.Default())
	if err != nil {
		return err
	}
	log.Println("done",
		"epochs", state.Epoch,
		"bestAccuracy", state.BestAccuracy,
		"bestLoss", state.BestLoss,
		"steps", state.Step,
		"models", cfg.SaveDirectory)
	return nil
}
