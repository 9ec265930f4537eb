package library

import (
	"context"
	"errors"
	"fmt"

	"library-circulation/querycache"
)

// DashboardCollection keys the admin dashboard, which aggregates books,
// loans and profiles.
const DashboardCollection = "dashboard"

// Cache keys of the read side. Every key starts with its collection so a
// feed event on that collection invalidates all of its views.
func BooksKey() querycache.Key { return querycache.Key{CollectionBooks} }

func CatalogKey(page int, search string) querycache.Key {
	return querycache.Key{CollectionBooks, page, search}
}

func BookKey(id int64) querycache.Key { return querycache.Key{CollectionBooks, id} }

func LoansKey(userID string) querycache.Key { return querycache.Key{CollectionLoans, userID} }

func ProfilesKey() querycache.Key { return querycache.Key{CollectionProfiles} }

func DashboardKey() querycache.Key { return querycache.Key{DashboardCollection} }

func NotificationsKey(userID string) querycache.Key {
	return querycache.Key{CollectionNotifications, userID}
}

// LibraryManager serves the cached views over the Database and applies the
// small mutations that only need cache invalidation.
type LibraryManager struct {
	db       *Database
	cache    *querycache.Cache
	opts     querycache.Options
	pageSize int
}

// ManagerOption configures a LibraryManager.
type ManagerOption func(*LibraryManager)

// WithQueryOptions sets the options every view query uses.
func WithQueryOptions(o querycache.Options) ManagerOption {
	return func(lm *LibraryManager) {
		lm.opts = o
	}
}

// WithPageSize sets the catalog page size.
func WithPageSize(n int) ManagerOption {
	return func(lm *LibraryManager) {
		if n > 0 {
			lm.pageSize = n
		}
	}
}

// NewLibraryManager builds the read side over db and cache.
func NewLibraryManager(db *Database, cache *querycache.Cache, opts ...ManagerOption) *LibraryManager {
	lm := &LibraryManager{db: db, cache: cache, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// DB exposes the backing store.
func (lm *LibraryManager) DB() *Database { return lm.db }

// Cache exposes the query cache.
func (lm *LibraryManager) Cache() *querycache.Cache { return lm.cache }

// ------------------ Views ------------------

// CatalogPage returns a settled page of active books.
func (lm *LibraryManager) CatalogPage(ctx context.Context, page int, search string) (*CatalogPage, error) {
	return querycache.Fetch(lm.cache, ctx, CatalogKey(page, search), lm.catalogFetcher(page, search), lm.opts)
}

// CatalogView returns the cached catalog page without waiting.
func (lm *LibraryManager) CatalogView(ctx context.Context, page int, search string) querycache.Result[*CatalogPage] {
	return querycache.Query(lm.cache, ctx, CatalogKey(page, search), lm.catalogFetcher(page, search), lm.opts)
}

func (lm *LibraryManager) catalogFetcher(page int, search string) func(context.Context) (*CatalogPage, error) {
	return func(ctx context.Context) (*CatalogPage, error) {
		return lm.db.Books(ctx, BookQuery{Page: page, PageSize: lm.pageSize, Search: search})
	}
}

// Book returns one book.
func (lm *LibraryManager) Book(ctx context.Context, id int64) (*Book, error) {
	return querycache.Fetch(lm.cache, ctx, BookKey(id), func(ctx context.Context) (*Book, error) {
		b, err := lm.db.Book(ctx, id)
		if errors.Is(err, ErrBookNotFound) {
			return nil, querycache.Permanent(err)
		}
		return b, err
	}, lm.opts)
}

// UserLoans returns every loan of userID, newest first.
func (lm *LibraryManager) UserLoans(ctx context.Context, userID string) ([]LoanDetail, error) {
	return querycache.Fetch(lm.cache, ctx, LoansKey(userID), func(ctx context.Context) ([]LoanDetail, error) {
		return lm.db.UserLoans(ctx, userID, false)
	}, lm.opts)
}

// Dashboard returns the admin figures.
func (lm *LibraryManager) Dashboard(ctx context.Context) (*DashboardStats, error) {
	return querycache.Fetch(lm.cache, ctx, DashboardKey(), lm.db.DashboardStats, lm.opts)
}

// NotificationFeed returns the notifications of userID, newest first.
func (lm *LibraryManager) NotificationFeed(ctx context.Context, userID string) ([]Notification, error) {
	return querycache.Fetch(lm.cache, ctx, NotificationsKey(userID), func(ctx context.Context) ([]Notification, error) {
		return lm.db.Notifications(ctx, userID, false, 0)
	}, lm.opts)
}

// Watch keeps every view in sync with the change feed.
func (lm *LibraryManager) Watch(sub querycache.Subscriber) (stop func()) {
	stops := []func(){
		lm.cache.WatchFeed(sub, CollectionBooks, DashboardKey()),
		lm.cache.WatchFeed(sub, CollectionLoans, DashboardKey()),
		lm.cache.WatchFeed(sub, CollectionProfiles, DashboardKey()),
		lm.cache.WatchFeed(sub, CollectionNotifications),
	}
	return func() {
		for _, s := range stops {
			s()
		}
	}
}

// ------------------ Mutations ------------------

// AddBook inserts a book and refreshes the catalog views.
func (lm *LibraryManager) AddBook(ctx context.Context, title, author, category string) (*Book, error) {
	return querycache.Mutate(lm.cache, ctx, func(ctx context.Context) (*Book, error) {
		return lm.db.AddBook(ctx, title, author, category)
	}, querycache.MutateOptions[*Book]{Invalidates: []querycache.Key{BooksKey(), DashboardKey()}})
}

// DeactivateBook soft-deletes a book and refreshes the catalog views.
func (lm *LibraryManager) DeactivateBook(ctx context.Context, id int64) error {
	_, err := querycache.Mutate(lm.cache, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, lm.db.DeactivateBook(ctx, id)
	}, querycache.MutateOptions[struct{}]{Invalidates: []querycache.Key{BooksKey(), DashboardKey()}})
	return err
}

// MarkNotificationRead flags one notification of userID as read.
func (lm *LibraryManager) MarkNotificationRead(ctx context.Context, id int64, userID string) error {
	_, err := querycache.Mutate(lm.cache, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, lm.db.MarkNotificationRead(ctx, id, userID)
	}, querycache.MutateOptions[struct{}]{Invalidates: []querycache.Key{NotificationsKey(userID)}})
	return err
}

// MarkAllNotificationsRead flags every notification of userID as read.
func (lm *LibraryManager) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	return querycache.Mutate(lm.cache, ctx, func(ctx context.Context) (int64, error) {
		return lm.db.MarkAllNotificationsRead(ctx, userID)
	}, querycache.MutateOptions[int64]{Invalidates: []querycache.Key{NotificationsKey(userID)}})
}

// ------------------ Utilities ------------------

// PrettyBook formats a book for lists.
func PrettyBook(b *Book) string {
	status := string(b.Status)
	if !b.IsActive {
		status = "WITHDRAWN"
	}
	return fmt.Sprintf("%-5d %-30s %-25s %-15s %-10s", b.ID, b.Title, b.Author, b.Category, status)
}

// PrettyLoan formats a loan for lists.
func PrettyLoan(l *LoanDetail) string {
	returned := "-"
	if l.ReturnDate != nil {
		returned = l.ReturnDate.Local().Format("2006-01-02")
	}
	return fmt.Sprintf("%-5d %-5d %-30s %-9s %-10s %-10s",
		l.ID, l.BookID, l.Title, l.Status, l.LoanDate.Local().Format("2006-01-02"), returned)
}
