package main

import (
	"os"

	"github.com/brennontwilliams/loopline/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
