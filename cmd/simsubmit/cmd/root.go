package cmd

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"

	"github.com/ansys/simsched/pkg/api"
	"github.com/ansys/simsched/pkg/client"
)

const (
	exitOK         = 0
	exitRejected   = 1
	exitUnexpected = 2
)

type submitFlags struct {
	url          string
	project      string
	workingDir   string
	environment  []string
	cores        int
	memoryMB     int64
	diskMB       int64
	wallTime     time.Duration
	backend      string
	queue        string
	nodes        int
	coresPerNode int
	directives   []string
	priority     int
	wait         bool
	pollInterval time.Duration
}

// Execute runs the CLI and returns its process exit code.
func Execute() int {
	flags := &submitFlags{}
	cmd := &cobra.Command{
		Use:          "simsubmit [flags] -- command [args...]",
		Short:        "Submits a simulation job to the scheduler",
		SilenceUsage: true,
		Args:         cobra.MinimumNArgs(1),
	}

	cmd.Flags().StringVar(&flags.url, "url", defaultURL(), "Base url of the scheduler (defaults honour SIMSCHED_URL or SIMSCHED_HOST/SIMSCHED_PORT)")
	cmd.Flags().StringVar(&flags.project, "project", "", "Project the job belongs to (required)")
	cmd.Flags().StringVar(&flags.workingDir, "working-dir", "", "Working directory of the job")
	cmd.Flags().StringArrayVar(&flags.environment, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&flags.cores, "cores", 1, "Number of cores the job needs")
	cmd.Flags().Int64Var(&flags.memoryMB, "memory-mb", 0, "Memory requirement in MB")
	cmd.Flags().Int64Var(&flags.diskMB, "disk-mb", 0, "Scratch disk requirement in MB")
	cmd.Flags().DurationVar(&flags.wallTime, "wall-time", 0, "Wall-time limit, e.g. 2h30m")
	cmd.Flags().StringVar(&flags.backend, "backend", "local", "Execution backend: local, slurm, lsf, pbs or windowshpc")
	cmd.Flags().StringVar(&flags.queue, "queue", "", "Batch system queue/partition (remote backends)")
	cmd.Flags().IntVar(&flags.nodes, "nodes", 0, "Number of nodes (remote backends)")
	cmd.Flags().IntVar(&flags.coresPerNode, "cores-per-node", 0, "Cores per node (remote backends)")
	cmd.Flags().StringArrayVar(&flags.directives, "directive", nil, "Extra submission-script directive (repeatable)")
	cmd.Flags().IntVar(&flags.priority, "priority", 0, "Scheduling priority, higher runs first")
	cmd.Flags().BoolVar(&flags.wait, "wait", false, "Wait until the job reaches a terminal state")
	cmd.Flags().DurationVar(&flags.pollInterval, "poll-interval", 2*time.Second, "Status poll interval used with --wait")
	_ = cmd.MarkFlagRequired("project")

	exitCode := exitOK
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		exitCode = submit(cmd.Context(), flags, args)
		return nil
	}

	if err := cmd.Execute(); err != nil {
		return exitRejected
	}
	return exitCode
}

// defaultURL resolves the scheduler address used when --url is not given:
// SIMSCHED_URL wins, then SIMSCHED_HOST/SIMSCHED_PORT, then localhost:8080.
func defaultURL() string {
	if url := os.Getenv("SIMSCHED_URL"); url != "" {
		return url
	}
	host := os.Getenv("SIMSCHED_HOST")
	port := os.Getenv("SIMSCHED_PORT")
	if host == "" && port == "" {
		return "http://localhost:8080"
	}
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "8080"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func submit(ctx context.Context, flags *submitFlags, command []string) int {
	spec := api.JobConfigSpec{
		Project:     flags.project,
		Command:     command,
		WorkingDir:  flags.workingDir,
		Environment: parseEnvironment(flags.environment),
		Cores:       flags.cores,
		MemoryMB:    flags.memoryMB,
		DiskMB:      flags.diskMB,
		WallTime:    api.Duration(flags.wallTime),
		Backend:     flags.backend,
	}
	if flags.queue != "" || flags.nodes > 0 || flags.coresPerNode > 0 || len(flags.directives) > 0 {
		spec.Options = &api.SchedulerOptionsSpec{
			Queue:        flags.queue,
			Nodes:        flags.nodes,
			CoresPerNode: flags.coresPerNode,
			WallTime:     api.Duration(flags.wallTime),
			Directives:   flags.directives,
		}
	}

	c := client.New(flags.url)
	jobID, err := c.SubmitJob(ctx, spec, flags.priority)
	if err != nil {
		log.Error(err)
		return classify(err)
	}
	log.Infof("submitted job %s", jobID)

	if !flags.wait {
		return exitOK
	}
	details, err := c.WaitForJob(ctx, jobID, flags.pollInterval)
	if err != nil {
		log.Error(err)
		return classify(err)
	}
	log.Infof("job %s finished with status %s", jobID, details.Status)
	if details.Output != "" {
		log.Info(details.Output)
	}
	if details.Status != "COMPLETED" {
		if details.Error != "" {
			log.Error(details.Error)
		}
		return exitRejected
	}
	return exitOK
}

// classify maps client errors onto exit codes: rejections and connectivity
// problems are expected failure modes, everything else is unexpected.
func classify(err error) int {
	var apiErr *client.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 500 {
			return exitUnexpected
		}
		return exitRejected
	}
	return exitRejected
}

func parseEnvironment(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				env[pair[:i]] = pair[i+1:]
				break
			}
		}
	}
	return env
}
