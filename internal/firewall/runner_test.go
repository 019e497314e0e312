package firewall

import (
	"strings"
	"sync"
)

// fakeRunner records every invocation. Output calls succeed with an
// empty listing unless a canned output matches; any call whose joined
// argv contains a failOn key fails with its error.
type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	queries []string
	outputs map[string]string
	failOn  map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]string),
		failOn:  make(map[string]error),
	}
}

func joinArgv(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (f *fakeRunner) fail(cmd string) error {
	for key, err := range f.failOn {
		if strings.Contains(cmd, key) {
			return err
		}
	}
	return nil
}

func (f *fakeRunner) Run(name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := joinArgv(name, args)
	f.runs = append(f.runs, cmd)
	return f.fail(cmd)
}

func (f *fakeRunner) Output(name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := joinArgv(name, args)
	f.queries = append(f.queries, cmd)
	if err := f.fail(cmd); err != nil {
		return nil, err
	}
	for key, out := range f.outputs {
		if strings.Contains(cmd, key) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

// runContaining returns the first recorded Run whose text contains all
// the given fragments, or -1.
func (f *fakeRunner) runContaining(frags ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
outer:
	for i, cmd := range f.runs {
		for _, frag := range frags {
			if !strings.Contains(cmd, frag) {
				continue outer
			}
		}
		return i
	}
	return -1
}

func allToolCaps() *Capabilities {
	return &Capabilities{
		Ebtables:  []string{"ebtables"},
		Iptables:  []string{"iptables"},
		Ip6tables: []string{"ip6tables"},
	}
}
