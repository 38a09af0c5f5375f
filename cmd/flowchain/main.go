package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd(os.Args[1:]).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
