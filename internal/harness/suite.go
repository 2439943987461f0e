package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// SuiteResult summarises running every scenario in a directory.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure represents a failed scenario.
type ScenarioFailure struct {
	Scenario string   `json:"scenario"`
	Path     string   `json:"path"`
	Errors   []string `json:"errors"`
}

// RunDir loads and runs every *.yaml scenario in dir, in name order.
// A scenario that fails to load or run counts as a failure.
func RunDir(dir string) (*SuiteResult, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(paths) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
	}
	sort.Strings(paths)

	sum := &SuiteResult{}
	for _, path := range paths {
		sum.TotalScenarios++
		name := filepath.Base(path)

		scenario, err := LoadScenario(path)
		if err != nil {
			sum.fail(name, path, err.Error())
			continue
		}
		result, err := Run(scenario)
		if err != nil {
			sum.fail(scenario.Name, path, err.Error())
			continue
		}
		if !result.Pass {
			sum.fail(scenario.Name, path, result.Errors...)
			continue
		}
		sum.Passed++
	}
	return sum, nil
}

func (s *SuiteResult) fail(name, path string, errs ...string) {
	s.Failed++
	s.Failures = append(s.Failures, ScenarioFailure{Scenario: name, Path: path, Errors: errs})
}
