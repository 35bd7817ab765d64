// Copyright 2022 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package downloader

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// progressInterval is the period of the progress log lines.
var progressInterval = 5 * time.Second

// downloadProgress counts the bytes written to it and periodically logs
// the progress of a download.
type downloadProgress struct {
	name    string
	total   int
	written atomic.Int64
	start   time.Time
	done    chan struct{}
	wg      sync.WaitGroup
}

// newDownloadProgress returns a new progress for a download of total
// bytes. A negative total means unknown.
func newDownloadProgress(name string, total int) *downloadProgress {
	return &downloadProgress{
		name:  name,
		total: total,
		done:  make(chan struct{}),
	}
}

func (p *downloadProgress) Write(b []byte) (int, error) {
	p.written.Add(int64(len(b)))
	return len(b), nil
}

// Written returns the number of bytes written so far.
func (p *downloadProgress) Written() int64 {
	return p.written.Load()
}

func (p *downloadProgress) Start() {
	p.start = time.Now()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				p.log("downloading")
			}
		}
	}()
}

// Stop stops the periodic logging and logs the final count.
func (p *downloadProgress) Stop() {
	close(p.done)
	p.wg.Wait()
	p.log("downloaded")
}

func (p *downloadProgress) log(msg string) {
	written := uint64(p.Written())
	e := log.Debug().
		Str("file", p.name).
		Str("written", humanize.Bytes(written)).
		Dur("elapsed", time.Since(p.start).Round(time.Millisecond))
	if p.total > 0 {
		e = e.Str("total", humanize.Bytes(uint64(p.total))).
			Str("progress", fmt.Sprintf("%.1f%%", 100*float64(written)/float64(p.total)))
	}
	e.Msg(msg)
}
