// Package sync delivers full-replace collection snapshots to connected
// clients. Each subscription owns a goroutine that watches the event log
// cursor and re-reads the collection when it moves; consumers treat every
// emission as authoritative-as-of-now and never merge deltas.
package sync

import (
	"context"
	"log"
	"time"

	"siteline/internal/domain"
	"siteline/internal/repo"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	pollBatch           = 100
)

// SiteSnapshot is one full view of the site collection, ordered by
// updated_at descending.
type SiteSnapshot struct {
	Cursor int64         `json:"cursor"`
	Sites  []domain.Site `json:"sites"`
}

// PhotoSnapshot is one full view of a single site's photo set.
type PhotoSnapshot struct {
	Cursor int64          `json:"cursor"`
	SiteID string         `json:"site_id"`
	Photos []domain.Photo `json:"photos"`
}

type Broker struct {
	Repo     repo.Repo
	Interval time.Duration
}

func New(r repo.Repo) *Broker {
	return &Broker{Repo: r, Interval: defaultPollInterval}
}

func (b *Broker) interval() time.Duration {
	if b.Interval > 0 {
		return b.Interval
	}
	return defaultPollInterval
}

// SubscribeSites starts a site-collection subscription. The first snapshot
// is delivered immediately; later ones follow every store write. The
// channel closes when ctx is canceled, which releases the subscription.
func (b *Broker) SubscribeSites(ctx context.Context) <-chan SiteSnapshot {
	out := make(chan SiteSnapshot)
	go b.runSites(ctx, out)
	return out
}

func (b *Broker) runSites(ctx context.Context, out chan<- SiteSnapshot) {
	defer close(out)
	var cursor int64
	backoff := b.interval()
	emit := true
	for {
		if emit {
			latest, err := b.Repo.LatestEventID(ctx)
			if err == nil {
				var sites []domain.Site
				sites, err = b.Repo.ListSites(ctx, repo.SiteFilters{})
				if err == nil {
					select {
					case out <- SiteSnapshot{Cursor: latest, Sites: sites}:
						cursor = latest
						backoff = b.interval()
						emit = false
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				// Transient store failure: resubscribe with backoff.
				log.Printf("sync: site snapshot failed, retrying in %s: %v", backoff, err)
				if !sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
		}
		if !sleep(ctx, b.interval()) {
			return
		}
		moved, err := b.cursorMoved(ctx, cursor, "")
		if err != nil {
			log.Printf("sync: poll failed, retrying in %s: %v", backoff, err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		emit = moved
	}
}

// SubscribePhotos starts a per-site photo subscription filtered by siteID.
func (b *Broker) SubscribePhotos(ctx context.Context, siteID string) <-chan PhotoSnapshot {
	out := make(chan PhotoSnapshot)
	go b.runPhotos(ctx, siteID, out)
	return out
}

func (b *Broker) runPhotos(ctx context.Context, siteID string, out chan<- PhotoSnapshot) {
	defer close(out)
	var cursor int64
	backoff := b.interval()
	emit := true
	for {
		if emit {
			latest, err := b.Repo.LatestEventID(ctx)
			if err == nil {
				var photos []domain.Photo
				photos, err = b.Repo.ListPhotos(ctx, repo.PhotoFilters{SiteID: siteID})
				if err == nil {
					select {
					case out <- PhotoSnapshot{Cursor: latest, SiteID: siteID, Photos: photos}:
						cursor = latest
						backoff = b.interval()
						emit = false
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				log.Printf("sync: photo snapshot failed, retrying in %s: %v", backoff, err)
				if !sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
		}
		if !sleep(ctx, b.interval()) {
			return
		}
		moved, err := b.cursorMoved(ctx, cursor, siteID)
		if err != nil {
			log.Printf("sync: poll failed, retrying in %s: %v", backoff, err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		emit = moved
	}
}

func (b *Broker) cursorMoved(ctx context.Context, cursor int64, siteID string) (bool, error) {
	events, err := b.Repo.EventsAfter(ctx, pollBatch, cursor, siteID)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > defaultMaxBackoff {
		return defaultMaxBackoff
	}
	return next
}
