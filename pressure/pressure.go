// Copyright (C) 2024-2026  The Managarm Authors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package pressure turns host memory pressure into reclaim work.
//
// The reclaim engine itself is policy-free: it evicts whatever it is asked
// to. The monitor here provides the asking: it samples host memory usage
// and, above a watermark, reclaims a batch of least-recently-used pages.
package pressure

import (
	"context"
	"time"

	log "github.com/golang/glog"
	"github.com/shirou/gopsutil/v4/mem"
	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/sarvex/managarm/memview"
)

// Options tune the monitor.
type Options struct {
	// HighWatermark is the host used-memory percentage above which the
	// monitor reclaims. 0 means 90.
	HighWatermark float64

	// Interval between samples. 0 means 1s.
	Interval time.Duration

	// BatchPages is how many pages to reclaim per sample above the
	// watermark. 0 means 16.
	BatchPages int
}

func (o *Options) fillDefaults() {
	if o.HighWatermark == 0 {
		o.HighWatermark = 90
	}
	if o.Interval == 0 {
		o.Interval = time.Second
	}
	if o.BatchPages == 0 {
		o.BatchPages = 16
	}
}

// Monitor watches host memory and drives a Reclaimer.
type Monitor struct {
	rec *memview.Reclaimer
	opt Options

	usedPercent func(context.Context) (float64, error) // swappable for tests
}

func NewMonitor(rec *memview.Reclaimer, opt Options) *Monitor {
	opt.fillDefaults()
	return &Monitor{rec: rec, opt: opt, usedPercent: hostUsedPercent}
}

func hostUsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	tick := time.NewTicker(m.opt.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := m.step(ctx); err != nil {
				log.Errorf("pressure: %s", err)
			}
		}
	}
}

// step takes one sample and reclaims if needed. Returns the number of pages
// reclaimed.
func (m *Monitor) step(ctx context.Context) (reclaimed int, err error) {
	defer xerr.Context(&err, "pressure step")

	used, err := m.usedPercent(ctx)
	if err != nil {
		return 0, err
	}
	if used < m.opt.HighWatermark {
		return 0, nil
	}

	reclaimed, err = m.rec.Reclaim(ctx, m.opt.BatchPages)
	if reclaimed > 0 {
		log.Infof("pressure: host memory %.1f%% used, reclaimed %d pages (%d still evictable)",
			used, reclaimed, m.rec.Evictable())
	}
	return reclaimed, err
}
