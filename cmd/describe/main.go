package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"

	"github.com/ChizhovVadim/SkirmishGo/internal/dataset"
	arg "github.com/alexflint/go-arg"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var args = struct {
		DataFiles []string `arg:"positional,required" help:"CSV datasets to summarize"`
		Threads   int      `arg:"--threads"`
	}{
		Threads: runtime.NumCPU(),
	}
	arg.MustParse(&args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for _, path := range args.DataFiles {
		raws, err := dataset.LoadCSV(ctx, path, args.Threads)
		if err != nil {
			log.Fatal(err)
		}
		log.Println("describe", "file", path)
		dataset.Describe(raws).Log(log.Default())
	}
}
