package main

import (
	"os"

	"github.com/suizoe-cosine/huaer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
