// Package hk provides a process-wide housekeeper: a small executor that
// runs named callbacks on a recurring interval or as one-shot deferred
// tasks, used for detached background work like bucket teardown,
// submitted as tasks rather than bare goroutines-per-task.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package hk

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// Job is a recurring callback. It returns the delay until its next run;
// returning <= 0 unregisters the job.
type Job struct {
	Name     string
	Interval time.Duration
	Fn       func() time.Duration
}

// Housekeeper runs registered jobs on their own interval and accepts
// one-shot deferred work such as a bucket's dedicated teardown task or
// an engine-shutdown followup.
type Housekeeper struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	timers   map[string]*time.Timer
	stopCh   chan struct{}
	once     sync.Once
}

var defaultHK = New()

// Default returns the process-wide housekeeper used by bucket teardown.
func Default() *Housekeeper { return defaultHK }

func New() *Housekeeper {
	return &Housekeeper{
		jobs:   make(map[string]*Job),
		timers: make(map[string]*time.Timer),
		stopCh: make(chan struct{}),
	}
}

// Register schedules a recurring job. Re-registering a name replaces it.
func (h *Housekeeper) Register(j *Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[j.Name]; ok {
		t.Stop()
	}
	h.jobs[j.Name] = j
	h.timers[j.Name] = time.AfterFunc(j.Interval, func() { h.run(j.Name) })
}

// Unregister cancels a recurring job; safe to call if it was never or is
// no longer registered.
func (h *Housekeeper) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[name]; ok {
		t.Stop()
		delete(h.timers, name)
	}
	delete(h.jobs, name)
}

func (h *Housekeeper) run(name string) {
	h.mu.Lock()
	j, ok := h.jobs[name]
	h.mu.Unlock()
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("hk: job %q panicked: %v", name, r)
		}
	}()
	next := j.Fn()
	if next <= 0 {
		h.Unregister(name)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.jobs[name]; !ok {
		return // unregistered while Fn ran
	}
	h.timers[name] = time.AfterFunc(next, func() { h.run(name) })
}

// After submits a one-shot deferred task such as a bucket's teardown or
// an engine-shutdown followup.
func (h *Housekeeper) After(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

// Stop cancels every registered job. Used only at process shutdown.
func (h *Housekeeper) Stop() {
	h.once.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, t := range h.timers {
		t.Stop()
		delete(h.timers, name)
		delete(h.jobs, name)
	}
}
