// Package flusher persists a batched keystore on a fixed interval.
package flusher

import (
	"sync"
	"time"

	"github.com/bamzi/jobrunner"
	"github.com/sirupsen/logrus"
)

// Persister is the part of the keystore the flusher drives.
type Persister interface {
	Dirty() bool
	PersistAll() error
}

// Flusher is a jobrunner job that writes the store when it is dirty.
type Flusher struct {
	store Persister
	log   logrus.FieldLogger

	mu       sync.Mutex
	runs     int
	failures int
}

func New(store Persister, log logrus.FieldLogger) *Flusher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Flusher{store: store, log: log.WithField("component", "flusher")}
}

// Run implements the jobrunner job interface.
func (f *Flusher) Run() {
	if !f.store.Dirty() {
		return
	}
	err := f.store.PersistAll()

	f.mu.Lock()
	f.runs++
	if err != nil {
		f.failures++
	}
	f.mu.Unlock()
	if err != nil {
		// PersistAll already logged the detail
		f.log.WithError(err).Debug("flush failed, retrying next cycle")
	}
}

// Counts reports how many flushes ran and how many of them failed.
func (f *Flusher) Counts() (runs, failures int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, f.failures
}

// Start schedules the flusher every interval on the process-wide job
// runner. jobrunner has one-second resolution.
func (f *Flusher) Start(interval time.Duration) {
	if interval < time.Second {
		interval = time.Second
	}
	jobrunner.Start()
	jobrunner.Every(interval, f)
	f.log.WithField("interval", interval).Info("batched persistence scheduled")
}

// Stop halts the schedule and flushes once more.
func (f *Flusher) Stop() {
	jobrunner.Stop()
	f.Run()
}
