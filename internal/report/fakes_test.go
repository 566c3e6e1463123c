package report_test

import (
	"context"
	"fmt"

	"reportline/internal/domain"
)

// fakeStore is an in-memory tracker keyed by record iid.
type fakeStore struct {
	nextIID    int64
	bodies     map[int64]string
	links      map[int64]domain.LinkSet
	created    []domain.NewRecord
	linkCalls  []int64
	failLink   map[int64]int
	failCreate error
	failUpdate error
	failFetch  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextIID:  100,
		bodies:   map[int64]string{},
		links:    map[int64]domain.LinkSet{},
		failLink: map[int64]int{},
	}
}

func (f *fakeStore) CreateRecord(_ context.Context, projectID string, rec domain.NewRecord) (domain.RecordRef, error) {
	if f.failCreate != nil {
		return domain.RecordRef{}, f.failCreate
	}
	f.nextIID++
	f.created = append(f.created, rec)
	f.bodies[f.nextIID] = rec.Body
	return domain.RecordRef{ID: f.nextIID * 10, IID: f.nextIID, WebURL: fmt.Sprintf("https://gitlab.example.com/%s/-/issues/%d", projectID, f.nextIID)}, nil
}

func (f *fakeStore) UpdateRecord(_ context.Context, projectID string, iid int64, body string) (domain.RecordRef, error) {
	if f.failUpdate != nil {
		return domain.RecordRef{}, f.failUpdate
	}
	f.bodies[iid] = body
	return domain.RecordRef{IID: iid, WebURL: fmt.Sprintf("https://gitlab.example.com/%s/-/issues/%d", projectID, iid)}, nil
}

func (f *fakeStore) FetchLinks(_ context.Context, _ string, iid int64) (domain.LinkSet, error) {
	if f.failFetch != nil {
		return nil, f.failFetch
	}
	out := domain.LinkSet{}
	for k := range f.links[iid] {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeStore) LinkRecords(_ context.Context, _ string, iid, target int64) error {
	f.linkCalls = append(f.linkCalls, target)
	if n := f.failLink[target]; n != 0 {
		if n > 0 {
			f.failLink[target] = n - 1
		}
		return fmt.Errorf("link #%d: boom", target)
	}
	if f.links[iid] == nil {
		f.links[iid] = domain.LinkSet{}
	}
	f.links[iid][target] = struct{}{}
	return nil
}

func (f *fakeStore) link(iid int64, targets ...int64) {
	if f.links[iid] == nil {
		f.links[iid] = domain.LinkSet{}
	}
	for _, t := range targets {
		f.links[iid][t] = struct{}{}
	}
}

func itemsWithIIDs(iids ...int64) []domain.WorkItem {
	var out []domain.WorkItem
	for _, iid := range iids {
		out = append(out, domain.WorkItem{IID: iid, Title: fmt.Sprintf("Issue %d", iid), State: domain.StateOpened})
	}
	return out
}
