package library

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"library-circulation/feed"
	"library-circulation/querycache"
)

func newManager(t *testing.T, dbOpts ...Option) *LibraryManager {
	t.Helper()
	db := tempDB(t, dbOpts...)
	cache := querycache.New()
	t.Cleanup(cache.Close)
	return NewLibraryManager(db, cache,
		WithQueryOptions(querycache.Options{StaleTime: time.Hour, Retry: -1}),
		WithPageSize(5))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestCatalogFollowsChangeFeed(t *testing.T) {
	hub := feed.NewHub()
	defer hub.Close()
	mgr := newManager(t, WithPublisher(hub))
	defer mgr.Watch(hub)()
	ctx := context.Background()

	user := mustProfile(t, mgr.DB(), "reader@example.com")
	book := mustBook(t, mgr.DB(), "Dune", "Herbert", "Science Fiction")

	eventually(t, func() bool {
		page, err := mgr.CatalogPage(ctx, 1, "")
		return err == nil && page.Total == 1
	})

	// A write that bypasses the manager still reaches the cached views.
	if _, err := mgr.DB().ClaimBook(ctx, book.ID, user.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	eventually(t, func() bool {
		page, err := mgr.CatalogPage(ctx, 1, "")
		return err == nil && len(page.Books) == 1 && page.Books[0].Status == StatusLoaned
	})
	eventually(t, func() bool {
		loans, err := mgr.UserLoans(ctx, user.ID)
		return err == nil && len(loans) == 1
	})
	eventually(t, func() bool {
		stats, err := mgr.Dashboard(ctx)
		return err == nil && stats.ActiveLoans == 1
	})
}

func TestCatalogIsCachedUntilInvalidated(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	mustBook(t, mgr.DB(), "Dune", "Herbert", "Science Fiction")

	first, err := mgr.CatalogPage(ctx, 1, "")
	if err != nil || first.Total != 1 {
		t.Fatalf("catalog: %v %+v", err, first)
	}

	// Without a publisher nothing tells the cache about this insert.
	mustBook(t, mgr.DB(), "Emma", "Austen", "Classics")
	cached, _ := mgr.CatalogPage(ctx, 1, "")
	if cached.Total != 1 {
		t.Fatalf("fresh page should come from cache, got %d", cached.Total)
	}

	if _, err := mgr.AddBook(ctx, "Neuromancer", "Gibson", "Cyberpunk"); err != nil {
		t.Fatalf("add: %v", err)
	}
	refreshed, err := mgr.CatalogPage(ctx, 1, "")
	if err != nil || refreshed.Total != 3 {
		t.Fatalf("mutation should invalidate the catalog: %v %+v", err, refreshed)
	}

	view := mgr.CatalogView(ctx, 1, "")
	if view.Data == nil || view.Data.Total != 3 || view.IsLoading {
		t.Fatalf("cached view: %+v", view)
	}
}

func TestManagerBook(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	book := mustBook(t, mgr.DB(), "Dune", "Herbert", "Science Fiction")

	got, err := mgr.Book(ctx, book.ID)
	if err != nil || got.Title != "Dune" {
		t.Fatalf("book: %v %+v", err, got)
	}
	if _, err := mgr.Book(ctx, 4242); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("want ErrBookNotFound, got %v", err)
	}

	if err := mgr.DeactivateBook(ctx, book.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, _ = mgr.Book(ctx, book.ID)
	if got.IsActive {
		t.Fatalf("book view not invalidated after deactivation")
	}
}

func TestNotificationFeed(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	user := mustProfile(t, mgr.DB(), "reader@example.com")
	note, _ := mgr.DB().AddNotification(ctx, user.ID, NotifyLoan, "You borrowed Dune")
	mgr.DB().AddNotification(ctx, user.ID, NotifyReturn, "You returned Dune")

	feedItems, err := mgr.NotificationFeed(ctx, user.ID)
	if err != nil || len(feedItems) != 2 {
		t.Fatalf("feed: %v %+v", err, feedItems)
	}

	if err := mgr.MarkNotificationRead(ctx, note.ID, user.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	n, err := mgr.MarkAllNotificationsRead(ctx, user.ID)
	if err != nil || n != 1 {
		t.Fatalf("mark all: %d %v", n, err)
	}
	feedItems, _ = mgr.NotificationFeed(ctx, user.ID)
	for _, item := range feedItems {
		if !item.IsRead {
			t.Fatalf("feed not refreshed after marking read: %+v", item)
		}
	}
}

func TestPrettyBook(t *testing.T) {
	b := &Book{ID: 3, Title: "Dune", Author: "Herbert", Category: "SF", Status: StatusLoaned, IsActive: true}
	if got := PrettyBook(b); got == "" {
		t.Fatalf("empty line")
	}
	b.IsActive = false
	if got := PrettyBook(b); !strings.Contains(got, "WITHDRAWN") {
		t.Fatalf("withdrawn book not marked: %q", got)
	}
}
