// Package progress prints a live status line while stages run on the fleet.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"conductor/internal/protocol"
	"conductor/internal/stage"
)

type Progress struct {
	quiet  bool
	output io.Writer
	mu     sync.Mutex

	stage    string
	started  time.Time
	workers  int
	acks     int
	failed   int
	ticker   *time.Ticker
	stopCh   chan struct{}
	running  atomic.Bool
	interval time.Duration
}

func NewProgress(quiet bool) *Progress {
	return &Progress{
		quiet:    quiet,
		output:   os.Stderr,
		interval: time.Second,
	}
}

func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}

// SetInterval changes the refresh period of the status line.
func (p *Progress) SetInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.interval = d
	}
}

// StageStarted starts the status line for a new stage.
func (p *Progress) StageStarted(name string, workers int) {
	if p.quiet {
		return
	}
	p.stop()
	p.mu.Lock()
	p.stage = name
	p.started = time.Now()
	p.workers = workers
	p.acks, p.failed = 0, 0
	p.ticker = time.NewTicker(p.interval)
	p.stopCh = make(chan struct{})
	ticker, stopCh := p.ticker, p.stopCh
	p.mu.Unlock()
	p.running.Store(true)
	go p.run(ticker, stopCh)
}

func (p *Progress) AckReceived(ack stage.Ack) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acks++
	if !ack.Success {
		p.failed++
	}
}

func (p *Progress) StageFinished(out protocol.Outcome) {
	if p.quiet {
		return
	}
	p.stop()
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	p.Printf("Stage %s: %s (%d/%d acks, %d failed)",
		out.Stage, out.Result, len(out.Acks), workers, len(out.Failed()))
}

func (p *Progress) run(ticker *time.Ticker, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.printProgress()
		}
	}
}

func (p *Progress) printProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := time.Since(p.started).Round(time.Second)
	mins := int(elapsed.Minutes())
	secs := int(elapsed.Seconds()) % 60
	fmt.Fprintf(p.output, "\033[K[%02d:%02d] Stage: %s | Acks: %d/%d | Failed: %d\r",
		mins, secs, p.stage, p.acks, p.workers, p.failed)
}

func (p *Progress) stop() {
	if !p.running.Swap(false) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticker.Stop()
	close(p.stopCh)
	fmt.Fprintf(p.output, "\033[K")
}

// Stop clears the status line. It is safe to call more than once.
func (p *Progress) Stop() {
	if p.quiet {
		return
	}
	p.stop()
}

func (p *Progress) Print(message string) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K%s\n", message)
	p.mu.Unlock()
}

func (p *Progress) Printf(format string, args ...any) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K"+format+"\n", args...)
	p.mu.Unlock()
}

var _ protocol.Observer = (*Progress)(nil)
