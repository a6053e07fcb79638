package backend

import (
	"context"
	"sync"
)

// fakeRunner scripts the behaviour of the batch-system CLIs. Responses are
// popped per command name in the order they were queued; a command with no
// queued response succeeds with empty output.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []fakeCall
	responses map[string][]fakeResponse
}

type fakeCall struct {
	input string
	name  string
	args  []string
}

type fakeResponse struct {
	stdout string
	stderr string
	err    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string][]fakeResponse{}}
}

func (r *fakeRunner) on(name string, stdout, stderr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[name] = append(r.responses[name], fakeResponse{stdout: stdout, stderr: stderr, err: err})
}

func (r *fakeRunner) Run(_ context.Context, input string, name string, args ...string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fakeCall{input: input, name: name, args: args})
	queue := r.responses[name]
	if len(queue) == 0 {
		return "", "", nil
	}
	resp := queue[0]
	r.responses[name] = queue[1:]
	return resp.stdout, resp.stderr, resp.err
}

func (r *fakeRunner) callsFor(name string) []fakeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fakeCall
	for _, c := range r.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}
