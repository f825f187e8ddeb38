package main

import (
	"context"
	"os"

	"github.com/melih/lighthouse-latent/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
