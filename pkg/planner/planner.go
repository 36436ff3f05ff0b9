// Package planner decides which open billing accounts receive unbound
// projects. The policy is concentration: fill the most already-used
// accounts up to the cap before touching fresh ones, so that only a few
// accounts stay "hot" under manual oversight.
package planner

import "sort"

// Candidate is one open billing account and its current project count.
type Candidate struct {
	Name string
	Used int
}

// Assignment directs Count projects onto the named billing account.
type Assignment struct {
	Name  string
	Count int
}

// Plan distributes up to unbound projects across the candidates without
// pushing any account past cap. It returns the ordered assignments and the
// number of projects that could not be placed; those stay unbound and are
// retried by a later cycle.
//
// Ordering: descending (used, slots), ties broken by ascending name so the
// plan is deterministic for identical inputs.
func Plan(unbound int, candidates []Candidate, cap int) ([]Assignment, int) {
	if unbound <= 0 || cap <= 0 {
		return nil, maxInt(unbound, 0)
	}

	type slot struct {
		name  string
		used  int
		slots int
	}
	open := make([]slot, 0, len(candidates))
	for _, c := range candidates {
		free := cap - c.Used
		if free > 0 {
			open = append(open, slot{name: c.Name, used: c.Used, slots: free})
		}
	}

	sort.Slice(open, func(i, j int) bool {
		if open[i].used != open[j].used {
			return open[i].used > open[j].used
		}
		if open[i].slots != open[j].slots {
			return open[i].slots > open[j].slots
		}
		return open[i].name < open[j].name
	})

	remaining := unbound
	var plan []Assignment
	for _, s := range open {
		if remaining == 0 {
			break
		}
		n := s.slots
		if n > remaining {
			n = remaining
		}
		plan = append(plan, Assignment{Name: s.name, Count: n})
		remaining -= n
	}
	return plan, remaining
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
