package main

import (
	"os"

	"github.com/ansys/simsched/cmd/simsubmit/cmd"
	"github.com/ansys/simsched/internal/common"
)

// Exit codes: 0 the job was accepted (and, with --wait, completed), 1 the
// submission was rejected or the scheduler was unreachable, 2 unexpected
// errors.
func main() {
	common.ConfigureCommandLineLogging()
	os.Exit(cmd.Execute())
}
