package main

import (
	"context"

	"jsongle/internal"
	"jsongle/pkg/log"
)

func main() {
	if err := log.SetupLogger("info"); err != nil {
		log.Fatal(err)
	}

	app := internal.NewApp()

	if err := app.Setup(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := app.Run(ctx, cancel); err != nil {
		log.Fatal(err)
	}
}
