package circulation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-circulation/feed"
	"library-circulation/library"
	"library-circulation/metrics"
	"library-circulation/notify"
	"library-circulation/querycache"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Enqueue(e notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recordingNotifier) all() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

type fixture struct {
	db       *library.Database
	raw      *sqlx.DB
	hub      *feed.Hub
	cache    *querycache.Cache
	manager  *library.LibraryManager
	notifier *recordingNotifier
	reg      *prometheus.Registry
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "library.db")
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hub := feed.NewHub(feed.WithMetrics(m))
	t.Cleanup(hub.Close)
	db, err := library.NewDatabase(path, library.WithPublisher(hub))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	raw, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", path))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	cache := querycache.New(querycache.WithMetrics(m))
	t.Cleanup(cache.Close)
	opts := querycache.DefaultOptions()
	opts.StaleTime = time.Hour
	opts.RetryDelay = func(int) time.Duration { return time.Millisecond }
	manager := library.NewLibraryManager(db, cache, library.WithQueryOptions(opts))

	notifier := &recordingNotifier{}
	svc := NewService(db,
		WithCache(cache),
		WithNotifier(notifier),
		WithMetrics(m))
	return &fixture{db: db, raw: raw, hub: hub, cache: cache, manager: manager, notifier: notifier, reg: reg, svc: svc}
}

func (f *fixture) profile(t *testing.T, email string) *library.Profile {
	t.Helper()
	p, err := f.db.CreateProfile(context.Background(), library.Profile{Email: email}, nil)
	require.NoError(t, err)
	return p
}

func (f *fixture) book(t *testing.T, title string) *library.Book {
	t.Helper()
	b, err := f.db.AddBook(context.Background(), title, "Author", "General")
	require.NoError(t, err)
	return b
}

func TestConcurrentRequestsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.book(t, "Sought After")

	const requesters = 20
	users := make([]*library.Profile, requesters)
	for i := range users {
		users[i] = f.profile(t, fmt.Sprintf("reader%d@example.com", i))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
		start  = make(chan struct{})
	)
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			<-start
			_, err := f.svc.RequestLoan(ctx, book.ID, userID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case err == ErrAlreadyTaken:
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(u.ID)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, requesters-1, losses)

	var active int
	require.NoError(t, f.raw.Get(&active, `SELECT COUNT(*) FROM loans WHERE book_id = ? AND status = 'ACTIVE'`, book.ID))
	assert.Equal(t, 1, active)

	count, err := testutil.GatherAndCount(f.reg, "library_loan_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "ok and already_taken series")
	assert.Len(t, f.notifier.all(), 1)
}

func TestBook42TwoRequesters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.raw.Exec(`INSERT INTO books (id, title, author, category, status, is_active, created_at)
        VALUES (42, 'The Hitchhiker''s Guide', 'Adams', 'Fiction', 'AVAILABLE', 1, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	u1 := f.profile(t, "u1@example.com")
	u2 := f.profile(t, "u2@example.com")

	loan, err := f.svc.RequestLoan(ctx, 42, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), loan.BookID)
	assert.Equal(t, library.LoanActive, loan.Status)

	_, err = f.svc.RequestLoan(ctx, 42, u2.ID)
	assert.True(t, err == ErrAlreadyTaken, "want bare ErrAlreadyTaken, got %v", err)

	b, err := f.db.Book(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, library.StatusLoaned, b.Status)

	events := f.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, library.NotifyLoan, events[0].Type)
	assert.Equal(t, u1.ID, events[0].UserID)
	assert.Contains(t, events[0].Message, "The Hitchhiker's Guide")
}

func TestReturnLoan7(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.profile(t, "reader@example.com")
	_, err := f.raw.Exec(`INSERT INTO books (id, title, author, category, status, is_active, created_at)
        VALUES (3, 'Emma', 'Austen', 'Classics', 'LOANED', 1, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = f.raw.Exec(`INSERT INTO loans (id, book_id, user_id, status, loan_date)
        VALUES (7, 3, ?, 'ACTIVE', CURRENT_TIMESTAMP)`, u.ID)
	require.NoError(t, err)

	loan, err := f.svc.ReturnLoan(ctx, 7, 3, u.ID)
	require.NoError(t, err)
	assert.Equal(t, library.LoanReturned, loan.Status)
	require.NotNil(t, loan.ReturnDate)

	b, err := f.db.Book(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, library.StatusAvailable, b.Status)

	// A second return is a no-op.
	_, err = f.svc.ReturnLoan(ctx, 7, 3, u.ID)
	assert.ErrorIs(t, err, ErrLoanNotActive)
	again, err := f.db.Loan(ctx, 7)
	require.NoError(t, err)
	assert.True(t, again.ReturnDate.Equal(*loan.ReturnDate), "returned loans are immutable")

	events := f.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, library.NotifyReturn, events[0].Type)
}

func TestReturnByAnotherUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.profile(t, "owner@example.com")
	other := f.profile(t, "other@example.com")
	book := f.book(t, "Borrowed")
	loan, err := f.svc.RequestLoan(ctx, book.ID, owner.ID)
	require.NoError(t, err)

	_, err = f.svc.ReturnLoan(ctx, loan.ID, book.ID, other.ID)
	assert.ErrorIs(t, err, ErrNotBorrower)
	_, err = f.svc.ReturnLoan(ctx, 999, book.ID, other.ID)
	assert.ErrorIs(t, err, ErrLoanNotFound)

	_, err = f.svc.ReturnLoan(ctx, loan.ID, book.ID, "")
	require.NoError(t, err)
}

func TestRequestMissingBook(t *testing.T) {
	f := newFixture(t)
	u := f.profile(t, "reader@example.com")
	_, err := f.svc.RequestLoan(context.Background(), 12345, u.ID)
	assert.ErrorIs(t, err, ErrBookNotFound)
	assert.Empty(t, f.notifier.all())
}

func TestCacheConvergesAfterLocalMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.profile(t, "reader@example.com")
	book := f.book(t, "Cached")

	page, err := f.manager.CatalogPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Books, 1)
	assert.Equal(t, library.StatusAvailable, page.Books[0].Status)
	loans, err := f.manager.UserLoans(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, loans)

	loan, err := f.svc.RequestLoan(ctx, book.ID, u.ID)
	require.NoError(t, err)

	page, err = f.manager.CatalogPage(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, library.StatusLoaned, page.Books[0].Status)
	loans, err = f.manager.UserLoans(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, loan.ID, loans[0].ID)

	stats, err := f.manager.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ActiveLoans)

	_, err = f.svc.ReturnLoan(ctx, loan.ID, book.ID, u.ID)
	require.NoError(t, err)
	page, err = f.manager.CatalogPage(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, library.StatusAvailable, page.Books[0].Status)
	stats, err = f.manager.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ActiveLoans)
}

func TestCacheConvergesAfterRemoteChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.profile(t, "reader@example.com")
	book := f.book(t, "Remote")
	stop := f.manager.Watch(f.hub)
	defer stop()

	page, err := f.manager.CatalogPage(ctx, 1, "")
	require.NoError(t, err)
	require.Equal(t, library.StatusAvailable, page.Books[0].Status)

	// A second process writes directly; this process learns of it only
	// through the change feed.
	_, err = f.db.ClaimBook(ctx, book.ID, u.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		res := f.manager.CatalogView(ctx, 1, "")
		return res.Data != nil && len(res.Data.Books) == 1 && res.Data.Books[0].Status == library.StatusLoaned
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.book(t, "Orphaned")
	_, err := f.raw.Exec(`UPDATE books SET status = 'LOANED' WHERE id = ?`, book.ID)
	require.NoError(t, err)

	n, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b, err := f.db.Book(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, library.StatusAvailable, b.Status)

	n, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotifierOptional(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.db)
	u := f.profile(t, "reader@example.com")
	book := f.book(t, "Plain")
	_, err := svc.RequestLoan(context.Background(), book.ID, u.ID)
	require.NoError(t, err)
	_, err = svc.RequestLoan(context.Background(), book.ID, u.ID)
	assert.True(t, errors.Is(err, ErrAlreadyTaken))
}
