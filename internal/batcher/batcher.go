package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
	"media-batch-processor/internal/submit"
)

// Incoming is one media reference from a chat message. Media arrives as a
// rapid burst of individual messages sharing a group id; the batcher
// folds a burst into one submission.
type Incoming struct {
	GroupID  string
	MediaID  string
	URL      string
	FileName string
	MimeType string
}

// Fetcher downloads one referenced media file to local disk.
type Fetcher interface {
	Fetch(ctx context.Context, item Incoming) (submit.File, error)
}

// Submitter accepts an assembled batch. *submit.Handler satisfies this.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (submit.Result, error)
}

type group struct {
	id   string
	ch   chan Incoming
	done bool
}

// Batcher accumulates burst arrivals per group key behind a debounce
// timer. Each group is a single goroutine owning its own items, so there
// is no shared mutable batch state; the only lock guards the group map.
type Batcher struct {
	cfg       config.Config
	fetcher   Fetcher
	submitter Submitter
	options   models.ProcessOptions
	log       zerolog.Logger

	mu     sync.Mutex
	groups map[string]*group
}

// New builds a batcher. The options record applies to every chat-sourced
// batch, matching the fixed overlay recipe chat deliveries use.
func New(cfg config.Config, f Fetcher, s Submitter, options models.ProcessOptions, log zerolog.Logger) *Batcher {
	return &Batcher{
		cfg:       cfg,
		fetcher:   f,
		submitter: s,
		options:   options,
		log:       log,
		groups:    make(map[string]*group),
	}
}

// Add routes one arrival to its group, starting the group's debounce
// window on first arrival. Arrivals after the window fires are dropped;
// late-arrival loss is the accepted trade-off for bounded waiting.
func (b *Batcher) Add(ctx context.Context, item Incoming) {
	b.mu.Lock()
	g, ok := b.groups[item.GroupID]
	if ok && g.done {
		b.mu.Unlock()
		b.log.Warn().Str("group_id", item.GroupID).Str("media_id", item.MediaID).Msg("late arrival dropped")
		return
	}
	if !ok {
		g = &group{id: item.GroupID, ch: make(chan Incoming, 256)}
		b.groups[item.GroupID] = g
		go b.run(ctx, g)
	}
	b.mu.Unlock()

	select {
	case g.ch <- item:
	default:
		b.log.Warn().Str("group_id", item.GroupID).Str("media_id", item.MediaID).Msg("group buffer full, arrival dropped")
	}
}

// run is the per-group actor: collect until the debounce timer fires,
// then fetch and submit everything collected. One timer per group, armed
// once; later arrivals extend nothing.
func (b *Batcher) run(ctx context.Context, g *group) {
	timer := time.NewTimer(b.cfg.GroupDebounce)
	defer timer.Stop()

	var items []Incoming
	for {
		select {
		case <-ctx.Done():
			b.drop(g)
			return
		case item := <-g.ch:
			items = append(items, item)
		case <-timer.C:
			b.mu.Lock()
			g.done = true
			b.mu.Unlock()

			b.flush(ctx, g.id, items)

			b.drop(g)
			return
		}
	}
}

func (b *Batcher) drop(g *group) {
	b.mu.Lock()
	delete(b.groups, g.id)
	b.mu.Unlock()
}

// flush downloads the group's media in parallel, bounded by the fetch
// worker count, then submits one batch. Items whose download fails are
// skipped; losing one attachment must not lose the burst.
func (b *Batcher) flush(ctx context.Context, groupID string, items []Incoming) {
	if len(items) == 0 {
		return
	}

	files := make([]submit.File, len(items))
	ok := make([]bool, len(items))
	sem := make(chan struct{}, b.cfg.GroupFetchWorkers)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item Incoming) {
			defer wg.Done()
			defer func() { <-sem }()
			f, err := b.fetcher.Fetch(ctx, item)
			if err != nil {
				b.log.Error().Err(err).Str("group_id", groupID).Str("media_id", item.MediaID).Msg("fetch failed")
				return
			}
			files[i] = f
			ok[i] = true
		}(i, item)
	}
	wg.Wait()

	// Preserve arrival order in the submitted batch.
	var fetched []submit.File
	for i := range files {
		if ok[i] {
			fetched = append(fetched, files[i])
		}
	}
	if len(fetched) == 0 {
		b.log.Warn().Str("group_id", groupID).Msg("no media fetched, batch skipped")
		return
	}

	res, err := b.submitter.Submit(ctx, submit.Request{
		Files:              fetched,
		Options:            b.options,
		GenerateThumbnails: true,
		Source:             "chat",
	})
	if err != nil {
		b.log.Error().Err(err).Str("group_id", groupID).Int("files", len(fetched)).Msg("batch submission failed")
		return
	}
	b.log.Info().
		Str("group_id", groupID).
		Str("batch_id", res.BatchID).
		Int("images", res.ImageCount).
		Int("videos", res.VideoCount).
		Msg("chat batch submitted")
}
