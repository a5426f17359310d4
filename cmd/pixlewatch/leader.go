package main

import (
	"context"
	"log"
	"time"

	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/registry"
)

type timerRunner interface {
	Start()
	Stop() context.Context
}

type scheduleLister interface {
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
}

type scheduleSyncer interface {
	Sync(persisted []domain.Schedule, asOf time.Time) registry.SyncStats
}

// timerDuties arms the live timers only while this instance is leader.
// A new leader resyncs first so edits made through followers fire on time.
type timerDuties struct {
	timers  timerRunner
	store   scheduleLister
	syncer  scheduleSyncer
	timeout time.Duration
}

func (d *timerDuties) Promote(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, d.timeout)
	persisted, err := d.store.ListSchedules(syncCtx)
	cancel()
	if err != nil {
		log.Printf("pixlewatch: leader resync failed, starting timers with current set: %v", err)
	} else {
		stats := d.syncer.Sync(persisted, time.Now())
		log.Printf("pixlewatch: leader resync added=%d updated=%d removed=%d",
			stats.Added, stats.Updated, stats.Removed)
	}

	d.timers.Start()
	log.Println("pixlewatch: promoted to leader; timers started")
}

func (d *timerDuties) Demote() {
	<-d.timers.Stop().Done()
	log.Println("pixlewatch: demoted; timers stopped")
}
