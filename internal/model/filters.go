package model

// Filters narrows viewport queries to matching locations. Zero values
// mean no constraint.
type Filters struct {
	JobType  string   `json:"job_type,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// Match reports whether a location satisfies every set constraint.
// Keyword filters pass when any filter keyword appears among the
// location's keywords.
func (f Filters) Match(loc Location) bool {
	if f.JobType != "" && loc.JobType != f.JobType {
		return false
	}
	if f.Priority != "" && loc.Priority != f.Priority {
		return false
	}
	if len(f.Keywords) == 0 {
		return true
	}
	for _, want := range f.Keywords {
		for _, have := range loc.Keywords {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Empty reports whether no constraints are set.
func (f Filters) Empty() bool {
	return f.JobType == "" && f.Priority == "" && len(f.Keywords) == 0
}
