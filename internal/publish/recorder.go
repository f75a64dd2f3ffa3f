package publish

import (
	"context"
	"sync"
)

// Recorder is an in-memory Publisher. It keeps every message and can be
// made to fail.
type Recorder struct {
	mu          sync.Mutex
	objects     []Objects
	corrections []Correction
	statuses    []Status
	Err         error
}

func (r *Recorder) PublishObjects(_ context.Context, msg Objects) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.objects = append(r.objects, msg)
	return nil
}

func (r *Recorder) PublishCorrection(_ context.Context, msg Correction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.corrections = append(r.corrections, msg)
	return nil
}

func (r *Recorder) PublishStatus(_ context.Context, msg Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.statuses = append(r.statuses, msg)
	return nil
}

func (r *Recorder) Objects() []Objects {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Objects(nil), r.objects...)
}

func (r *Recorder) Corrections() []Correction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Correction(nil), r.corrections...)
}

func (r *Recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}
