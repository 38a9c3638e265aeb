package sync_test

import (
	"context"
	"testing"
	"time"

	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/migrate"
	sitesync "siteline/internal/sync"
)

func newBrokerEnv(t *testing.T) (engine.Engine, *sitesync.Broker) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("siteline-test"))
	broker := sitesync.New(eng.Repo)
	broker.Interval = 20 * time.Millisecond
	return eng, broker
}

func recvSite(t *testing.T, ch <-chan sitesync.SiteSnapshot) sitesync.SiteSnapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed early")
		}
		return snap
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return sitesync.SiteSnapshot{}
}

func TestSubscribeSitesEmitsInitialSnapshot(t *testing.T) {
	eng, broker := newBrokerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := eng.CreateSite(ctx, engine.SiteCreateOptions{Name: "First", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	ch := broker.SubscribeSites(ctx)
	snap := recvSite(t, ch)
	if snap.Cursor < 1 {
		t.Fatalf("expected cursor past the create event, got %d", snap.Cursor)
	}
	if len(snap.Sites) != 1 || snap.Sites[0].ID != s.ID {
		t.Fatalf("unexpected snapshot contents: %+v", snap.Sites)
	}
}

func TestSnapshotFollowsWrites(t *testing.T) {
	eng, broker := newBrokerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := eng.CreateSite(ctx, engine.SiteCreateOptions{Name: "Moving", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	ch := broker.SubscribeSites(ctx)
	first := recvSite(t, ch)

	if _, err := eng.Transition(ctx, engine.TransitionOptions{
		ID: s.ID, Action: engine.ActionCompleteChecklist, Role: "operator", ActorID: "tester",
		Payload: engine.TransitionPayload{Checklist: &domain.Checklist{SiteType: "Garage"}},
	}); err != nil {
		t.Fatal(err)
	}

	next := recvSite(t, ch)
	if next.Cursor <= first.Cursor {
		t.Fatalf("cursor did not advance: %d -> %d", first.Cursor, next.Cursor)
	}
	if len(next.Sites) != 1 || next.Sites[0].Status != engine.StatusChecklistDone {
		t.Fatalf("snapshot missed the transition: %+v", next.Sites)
	}
	// Every emission is the whole collection, not a delta.
	if next.Sites[0].Version != 2 {
		t.Fatalf("expected full current record, got v%d", next.Sites[0].Version)
	}
}

func TestSubscriptionClosesOnCancel(t *testing.T) {
	_, broker := newBrokerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.SubscribeSites(ctx)
	recvSite(t, ch)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A snapshot may have been in flight; the next read must close.
			if _, ok := <-ch; ok {
				t.Fatalf("channel still open after cancel")
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("channel did not close after cancel")
	}
}

func TestSubscribePhotosScopedToSite(t *testing.T) {
	eng, broker := newBrokerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watched, err := eng.CreateSite(ctx, engine.SiteCreateOptions{Name: "Watched", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	other, err := eng.CreateSite(ctx, engine.SiteCreateOptions{Name: "Other", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.AddPhoto(ctx, engine.PhotoAddOptions{SiteID: watched.ID, Category: "Front", ImageData: "a", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.AddPhoto(ctx, engine.PhotoAddOptions{SiteID: other.ID, Category: "Meter", ImageData: "b", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	ch := broker.SubscribePhotos(ctx, watched.ID)
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed early")
		}
		if snap.SiteID != watched.ID {
			t.Fatalf("wrong site: %s", snap.SiteID)
		}
		if len(snap.Photos) != 1 || snap.Photos[0].Category != "Front" {
			t.Fatalf("expected only the watched site's photo: %+v", snap.Photos)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for photo snapshot")
	}
}
