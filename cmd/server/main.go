package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nixbuild/typhon/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(context.Background()); err != nil {
		a.Log.Error("failed to start", "error", err)
		os.Exit(1)
	}

	a.Log.Info("listening", "addr", a.Cfg.HTTPAddr)
	if err := a.Run(a.Cfg.HTTPAddr); err != nil {
		a.Log.Warn("server exited", "error", err)
	}
}
