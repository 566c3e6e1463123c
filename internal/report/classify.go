// Package report turns tracker issues into assignee reports and keeps them in
// sync with the tracker.
package report

import "strings"

const (
	// AssigneePrefix marks labels of the form "Assignee::<Name>".
	AssigneePrefix = "Assignee::"
	// BacklogGroup collects items that carry no assignee label.
	BacklogGroup = "Backlog"
)

// Classify returns the assignee names encoded in labels, in first-seen order
// with duplicates removed. Matching is case-sensitive. Items without an
// assignee label classify as BacklogGroup.
func Classify(labels []string) []string {
	var names []string
	seen := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		name, ok := strings.CutPrefix(label, AssigneePrefix)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if len(names) == 0 {
		return []string{BacklogGroup}
	}
	return names
}
