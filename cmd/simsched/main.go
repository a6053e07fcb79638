package main

import (
	"os"

	"github.com/ansys/simsched/cmd/simsched/cmd"
	"github.com/ansys/simsched/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
