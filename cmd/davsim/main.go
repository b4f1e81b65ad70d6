package main

import (
	"fmt"
	"os"

	"github.com/dmarro89/go-dav-sched/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
