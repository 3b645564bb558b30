package sandbox

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
)

type mockResponse struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner answers runtime commands keyed by their arguments
// without the runtime binary, e.g. "machine start". Queued responses are
// consumed in order; the last one repeats. Unknown commands succeed.
type MockCommandRunner struct {
	mu        sync.Mutex
	responses map[string][]mockResponse
	calls     [][]string
}

func NewMockCommandRunner() *MockCommandRunner {
	return &MockCommandRunner{responses: make(map[string][]mockResponse)}
}

func (m *MockCommandRunner) On(key string, responses ...mockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = append(m.responses[key], responses...)
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (string, string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)

	key := strings.Join(args[1:], " ")
	queue := m.responses[key]
	if len(queue) == 0 {
		return "", "", 0, nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.responses[key] = queue[1:]
	}
	return resp.stdout, resp.stderr, resp.exitCode, resp.err
}

// Keys returns the recorded commands without the runtime binary.
func (m *MockCommandRunner) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.calls))
	for _, call := range m.calls {
		keys = append(keys, strings.Join(call[1:], " "))
	}
	return keys
}

type MockProcessRunner struct {
	mu   sync.Mutex
	args [][]string
	run  func(ctx context.Context, stdout, stderr io.Writer) (int, error)
}

func (m *MockProcessRunner) Run(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	m.mu.Lock()
	m.args = append(m.args, args)
	m.mu.Unlock()
	return m.run(ctx, stdout, stderr)
}

func (m *MockProcessRunner) LastArgs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.args) == 0 {
		return nil
	}
	return m.args[len(m.args)-1]
}

type MockFileSystem struct {
	files map[string]bool
}

func (m MockFileSystem) FileExists(path string) (bool, error) {
	return m.files[path], nil
}

func fakeLookPath(available ...string) LookPathFunc {
	return func(file string) (string, error) {
		for _, name := range available {
			if name == file {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
}
