// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"strings"
)

// DetectCycles reports the first circular DependsOn chain among steps.
func DetectCycles(steps []RemediationStep) error {
	graph := make(map[string]*RemediationStep, len(steps))
	for i := range steps {
		graph[steps[i].ID] = &steps[i]
	}

	visited := make(map[string]bool)
	for _, step := range steps {
		path := make(map[string]bool)
		if cycle := findCycle(step.ID, graph, visited, path); cycle != nil {
			return fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
		}
	}
	return nil
}

// findCycle walks dependencies depth first and returns the chain ending in
// the repeated node, or nil.
func findCycle(id string, graph map[string]*RemediationStep, visited, path map[string]bool) []string {
	if path[id] {
		return []string{id}
	}
	if visited[id] {
		return nil
	}
	visited[id] = true
	path[id] = true

	if node, ok := graph[id]; ok {
		for _, dep := range node.DependsOn {
			if cycle := findCycle(dep, graph, visited, path); cycle != nil {
				return append([]string{id}, cycle...)
			}
		}
	}
	path[id] = false
	return nil
}

// SortSteps orders steps so every step follows its dependencies. Steps
// without a dependency relation keep their relative order, and Order is
// renumbered to match.
func SortSteps(steps []RemediationStep) ([]RemediationStep, error) {
	if err := DetectCycles(steps); err != nil {
		return nil, err
	}
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		index[step.ID] = i
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("step '%s' depends on non-existent step '%s'", step.ID, dep)
			}
		}
	}

	sorted := make([]RemediationStep, 0, len(steps))
	visited := make(map[string]bool, len(steps))
	var visit func(i int)
	visit = func(i int) {
		step := steps[i]
		if visited[step.ID] {
			return
		}
		visited[step.ID] = true
		for _, dep := range step.DependsOn {
			visit(index[dep])
		}
		sorted = append(sorted, step)
	}
	for i := range steps {
		visit(i)
	}
	for i := range sorted {
		sorted[i].Order = i
	}
	return sorted, nil
}

// Waves groups steps into dependency levels: a step's wave is one past the
// highest wave of its dependencies. Steps keep plan order within a wave.
// steps must already be sorted.
func Waves(steps []RemediationStep) [][]int {
	level := make(map[string]int, len(steps))
	var waves [][]int
	for i, step := range steps {
		w := 0
		for _, dep := range step.DependsOn {
			if l, ok := level[dep]; ok && l+1 > w {
				w = l + 1
			}
		}
		level[step.ID] = w
		for len(waves) <= w {
			waves = append(waves, nil)
		}
		waves[w] = append(waves[w], i)
	}
	return waves
}
