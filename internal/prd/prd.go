// Package prd turns a product requirements document into the
// candidate phase list a fresh orchestrator run seeds itself with, and
// parses the CLI's --phases range-spec syntax. Both are read-only,
// best-effort parses over plain text; the "## " heading scan reads the
// file line by line with a bufio.Scanner.
package prd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"autopilot/internal/model"
)

// ParsePhases reads path and derives one candidate phase per top-level
// ("## ") heading, numbered sequentially starting at 1 in document
// order. A PRD with no headings produces a single phase named after the
// document itself.
func ParsePhases(path string) ([]model.Phase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open PRD: %w", err)
	}
	defer f.Close()

	var headings []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "## ") {
			headings = append(headings, strings.TrimSpace(strings.TrimPrefix(line, "## ")))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan PRD: %w", err)
	}

	if len(headings) == 0 {
		headings = []string{strings.TrimSuffix(basename(path), ".md")}
	}

	idleStep := model.Step{Status: model.StatusIdle}
	phases := make([]model.Phase, len(headings))
	for i, name := range headings {
		phases[i] = model.Phase{
			Number: float64(i + 1),
			Name:   name,
			Status: model.StatusIdle,
			Steps: model.Steps{
				Discuss: idleStep,
				Plan:    idleStep,
				Execute: idleStep,
				Verify:  idleStep,
			},
		}
	}
	return phases, nil
}

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// ParsePhaseSpec parses the --phases flag's range syntax: singles,
// ranges, and comma-joined combinations (e.g. "1-3,5,7-9"). The result
// is sorted and deduplicated. Unparsable segments are skipped.
func ParsePhaseSpec(spec string) []float64 {
	seen := map[float64]bool{}
	for _, segment := range strings.Split(spec, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		if lo, hi, ok := parseRange(segment); ok {
			for n := lo; n <= hi; n++ {
				seen[n] = true
			}
			continue
		}
		if n, err := strconv.ParseFloat(segment, 64); err == nil {
			seen[n] = true
		}
	}

	out := make([]float64, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Float64s(out)
	return out
}

func parseRange(segment string) (lo, hi float64, ok bool) {
	parts := strings.SplitN(segment, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	hi, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}
