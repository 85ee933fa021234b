// Package processor drains a content queue through a set of loaded
// modules with a bounded worker pool. Sub-content emitted by a run is
// re-enqueued with an incremented depth until the recursion limit.
package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/sift/harness"
	"github.com/chazu/sift/store"
)

var log = commonlog.GetLogger("sift.processor")

// ContentRunner executes one piece of content. *harness.Runner is the
// production implementation.
type ContentRunner interface {
	Run(ctx context.Context, input []byte, filename string, opts harness.Options) *harness.Result
}

// Module pairs a loaded artifact with the name results are recorded
// under.
type Module struct {
	Name   string
	Runner ContentRunner
}

// Item is one piece of content to process. Depth is 0 for roots and
// grows by one per level of emitted sub-content.
type Item struct {
	UUID       string
	Filename   string
	ParentUUID string
	Data       []byte
	Depth      int
}

// NewItem wraps root content with a fresh uuid.
func NewItem(filename string, data []byte) Item {
	return Item{UUID: uuid.NewString(), Filename: filename, Data: data}
}

// Options tune a processing pass.
type Options struct {
	// Workers is the pool size; zero or less means 1.
	Workers int

	// MaxDepth is the deepest sub-content level that still gets
	// processed. Sub-content beyond it is dropped with a log line.
	MaxDepth int

	// Run bounds each individual module run.
	Run harness.Options
}

// Processor runs every module against every item and records the
// outcomes in the store.
type Processor struct {
	modules []Module
	store   *store.Store
	opts    Options
}

// New builds a Processor. The store carries all results; per-item errors
// are recorded there rather than aborting the pass.
func New(modules []Module, st *store.Store, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Processor{modules: modules, store: st, opts: opts}
}

// Process drains roots and everything they recursively emit. It returns
// ctx.Err() when cancelled and nil otherwise; individual run failures
// land in the store, not here.
func (p *Processor) Process(ctx context.Context, roots []Item) error {
	log.Infof("processing %d items with %d workers, max depth %d",
		len(roots), p.opts.Workers, p.opts.MaxDepth)

	queue := make(chan Item, len(roots))
	done := make(chan struct{})
	var pending sync.WaitGroup

	// enqueue accounts the item before handing it to the queue so the
	// closer below cannot observe a false idle between a run finishing
	// and its sub-content arriving.
	enqueue := func(it Item) {
		pending.Add(1)
		select {
		case queue <- it:
		default:
			go func() {
				select {
				case queue <- it:
				case <-done:
					pending.Done()
				}
			}()
		}
	}

	for _, it := range roots {
		enqueue(it)
	}
	go func() {
		pending.Wait()
		close(queue)
	}()

	var workers sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case it, ok := <-queue:
					if !ok {
						return
					}
					p.processItem(ctx, it, enqueue)
					pending.Done()
				}
			}
		}()
	}
	workers.Wait()
	close(done)

	if ctx.Err() != nil {
		// Workers bailed out; release whatever is still queued so the
		// closer goroutine can finish.
		go func() {
			for range queue {
				pending.Done()
			}
		}()
		return ctx.Err()
	}
	return nil
}

func (p *Processor) processItem(ctx context.Context, it Item, enqueue func(Item)) {
	log.Debugf("processing %s (depth %d)", it.Filename, it.Depth)

	// Register the content up front so materialized rows and module
	// output have their foreign key in place.
	if err := p.store.RecordSuccess(it.UUID, it.Filename, it.ParentUUID); err != nil {
		log.Errorf("recording content %s: %s", it.UUID, err)
		return
	}

	var runErrors []string
	for _, m := range p.modules {
		res := m.Runner.Run(ctx, it.Data, it.Filename, p.opts.Run)

		if err := p.store.RecordOutput(it.UUID, m.Name, res.Stdout, res.Stderr,
			res.StdoutTrunc, res.StderrTrunc); err != nil {
			log.Warningf("recording output of %s for %s: %s", m.Name, it.UUID, err)
		}

		if !res.Success {
			runErrors = append(runErrors,
				fmt.Sprintf("module %s failed: %s", m.Name, res.Error))
			continue
		}

		if err := p.store.StoreTables(it.UUID, res.Tables); err != nil {
			log.Warningf("storing tables of %s for %s: %s", m.Name, it.UUID, err)
		}

		for _, sub := range res.SubContent {
			if it.Depth+1 > p.opts.MaxDepth {
				log.Warningf("dropping sub-content of %s at depth %d (limit %d)",
					it.Filename, it.Depth+1, p.opts.MaxDepth)
				continue
			}
			filename := sub.Filename
			if filename == "" {
				filename = fmt.Sprintf("%s.sub_%d", it.Filename, sub.Index)
			}
			enqueue(Item{
				UUID:       uuid.NewString(),
				Filename:   filename,
				ParentUUID: it.UUID,
				Data:       sub.Data,
				Depth:      it.Depth + 1,
			})
		}
	}

	if len(runErrors) > 0 {
		err := p.store.RecordFailure(it.UUID, it.Filename, it.ParentUUID,
			strings.Join(runErrors, "; "))
		if err != nil {
			log.Errorf("recording failure of %s: %s", it.UUID, err)
		}
	}
}
