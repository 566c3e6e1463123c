package report

import "reportline/internal/domain"

// Group buckets items by assignee. Groups come out in the order their name is
// first seen and each group keeps source order. An item with several assignee
// labels is added to every one of those groups.
func Group(items []domain.WorkItem) []domain.Group {
	var groups []domain.Group
	index := make(map[string]int)
	for seq, item := range items {
		entry := domain.GroupEntry{
			IID:    item.IID,
			Title:  item.Title,
			State:  item.State,
			WebURL: item.WebURL,
			Seq:    seq,
		}
		for _, name := range Classify(item.Labels) {
			i, ok := index[name]
			if !ok {
				i = len(groups)
				index[name] = i
				groups = append(groups, domain.Group{Name: name})
			}
			groups[i].Items = append(groups[i].Items, entry)
		}
	}
	return groups
}
