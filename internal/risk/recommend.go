package risk

import (
	"fmt"
	"slices"
)

// Recommend derives threshold-driven actions from the components. Every
// bucket is non-nil.
func Recommend(c Components) Recommendations {
	r := Recommendations{Immediate: []string{}, ShortTerm: []string{}, LongTerm: []string{}}

	t := c.Time
	switch {
	case t.Unbounded:
		r.LongTerm = append(r.LongTerm, "Set a deadline so urgency can be tracked.")
	case t.OverdueHours > 0:
		r.Immediate = append(r.Immediate, fmt.Sprintf("Task is %.0f hours overdue; agree a new date or cut scope now.", t.OverdueHours))
	case t.Level.Rank() >= LevelCritical.Rank():
		r.Immediate = append(r.Immediate, fmt.Sprintf("Only %.1f hours remain for this allocation; re-plan scope or extend the deadline.", t.TimeLeftHours))
	case t.Level == LevelHigh:
		r.ShortTerm = append(r.ShortTerm, "Time is tight; confirm the remaining estimate with the assignee.")
	}

	x := c.Complexity
	if x.Score >= 70 {
		r.ShortTerm = append(r.ShortTerm, "Break the task into smaller deliverables with their own checkpoints.")
	}
	if x.Environment != EnvironmentIndoor && x.Environmental >= 50 {
		r.ShortTerm = append(r.ShortTerm, "Prepare a weather contingency for the outdoor work.")
	}
	if x.DependenciesImpact >= 60 {
		r.LongTerm = append(r.LongTerm, "Reduce upstream dependencies or track them on a shared schedule.")
	}

	f := c.RoleFit
	switch {
	case f.Provenance == ProvenanceRule && f.Total >= 20:
		r.Immediate = append(r.Immediate, "Assign an owner to this task.")
	default:
		if f.RoleMatch >= 7 {
			r.ShortTerm = append(r.ShortTerm, "Reassign the task or pair the assignee with a domain expert.")
		}
		if f.Workload >= 5 {
			r.ShortTerm = append(r.ShortTerm, "Rebalance the assignee's workload.")
		}
	}

	d := c.Dependency
	switch {
	case d.Score >= 7:
		r.Immediate = append(r.Immediate, fmt.Sprintf("%d downstream tasks wait on this one; prioritize it.", len(d.Dependents)))
	case d.Score >= 4:
		r.ShortTerm = append(r.ShortTerm, "Tell the owners of dependent tasks about the current status.")
	}

	m := c.Communication
	switch {
	case m.CommentCount == 0:
		r.ShortTerm = append(r.ShortTerm, "Ask the assignee for a status update.")
	case m.Combined >= 6:
		r.Immediate = append(r.Immediate, "Hold a check-in with everyone involved.")
	}
	if m.Promises.Broken > 0 {
		r.ShortTerm = append(r.ShortTerm, "Follow up on missed commitments.")
	}
	for _, rec := range m.Recommendations {
		if !slices.Contains(r.LongTerm, rec) && !slices.Contains(r.ShortTerm, rec) {
			r.LongTerm = append(r.LongTerm, rec)
		}
	}
	return r
}
