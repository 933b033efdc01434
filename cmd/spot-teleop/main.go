package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ChuLiYu/spot-teleop/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	os.Exit(cli.Execute(context.Background()))
}
