// Package circulation decides who borrows a book. The single conditional
// update in the store is the only arbiter; this package maps its outcome onto
// cache invalidation and notification side effects.
package circulation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"library-circulation/library"
	"library-circulation/metrics"
	"library-circulation/notify"
	"library-circulation/querycache"
)

var (
	// ErrAlreadyTaken means another request claimed the book first. It is
	// expected under contention and is always returned unwrapped.
	ErrAlreadyTaken      = library.ErrAlreadyTaken
	ErrLoanNotActive     = library.ErrLoanNotActive
	ErrInconsistentState = library.ErrInconsistentState
	ErrBookNotFound      = library.ErrBookNotFound
	ErrLoanNotFound      = library.ErrLoanNotFound
	ErrNotBorrower       = errors.New("loan belongs to another user")
)

// Store is the backing store of loans and books.
type Store interface {
	ClaimBook(ctx context.Context, bookID int64, userID string) (*library.Loan, error)
	ReturnLoan(ctx context.Context, loanID, bookID int64) (*library.Loan, error)
	Reconcile(ctx context.Context) ([]int64, error)
	Loan(ctx context.Context, id int64) (*library.Loan, error)
	Book(ctx context.Context, id int64) (*library.Book, error)
}

// Notifier accepts side effect events without blocking.
type Notifier interface {
	Enqueue(e notify.Event) bool
}

// Service requests and returns loans.
type Service struct {
	store    Store
	cache    *querycache.Cache
	notifier Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithCache sets the cache invalidated after each committed change.
func WithCache(c *querycache.Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithNotifier sets where LOAN and RETURN side effects go.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestLoan checks bookID out to userID. Of any number of concurrent
// requests for one AVAILABLE book exactly one succeeds; the rest get
// ErrAlreadyTaken.
func (s *Service) RequestLoan(ctx context.Context, bookID int64, userID string) (*library.Loan, error) {
	loan, err := s.store.ClaimBook(ctx, bookID, userID)
	if err != nil {
		if errors.Is(err, ErrAlreadyTaken) {
			s.metrics.LoanRequest(metrics.OutcomeAlreadyTaken)
			s.logger.Debug("loan request lost the race",
				zap.Int64("book_id", bookID),
				zap.String("user_id", userID))
			return nil, ErrAlreadyTaken
		}
		s.metrics.LoanRequest(metrics.OutcomeError)
		return nil, err
	}
	s.metrics.LoanRequest(metrics.OutcomeOK)
	s.logger.Info("loan granted",
		zap.Int64("loan_id", loan.ID),
		zap.Int64("book_id", bookID),
		zap.String("user_id", userID))

	s.invalidate(library.BooksKey(), library.LoansKey(userID), library.DashboardKey())
	s.enqueue(ctx, library.NotifyLoan, userID, bookID, "You borrowed %s.")
	return loan, nil
}

// ReturnLoan closes loanID and frees bookID. Returning a loan that is no
// longer ACTIVE changes nothing and reports ErrLoanNotActive. A non-empty
// userID must be the borrower.
func (s *Service) ReturnLoan(ctx context.Context, loanID, bookID int64, userID string) (*library.Loan, error) {
	if userID != "" {
		current, err := s.store.Loan(ctx, loanID)
		if err != nil {
			s.metrics.LoanReturn(metrics.OutcomeError)
			return nil, err
		}
		if current.UserID != userID {
			s.metrics.LoanReturn(metrics.OutcomeError)
			return nil, ErrNotBorrower
		}
	}

	loan, err := s.store.ReturnLoan(ctx, loanID, bookID)
	if err != nil {
		if errors.Is(err, ErrLoanNotActive) {
			s.metrics.LoanReturn(metrics.OutcomeNotActive)
			return nil, ErrLoanNotActive
		}
		s.metrics.LoanReturn(metrics.OutcomeError)
		return nil, fmt.Errorf("return loan %d: %w", loanID, err)
	}
	s.metrics.LoanReturn(metrics.OutcomeOK)
	s.logger.Info("loan returned",
		zap.Int64("loan_id", loanID),
		zap.Int64("book_id", bookID),
		zap.String("user_id", loan.UserID))

	s.invalidate(
		querycache.Key{library.CollectionLoans},
		library.BooksKey(),
		library.ProfilesKey(),
		library.DashboardKey(),
	)
	s.enqueue(ctx, library.NotifyReturn, loan.UserID, bookID, "You returned %s.")
	return loan, nil
}

// Reconcile repairs books marked LOANED without an ACTIVE loan and returns
// how many it released.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	ids, err := s.store.Reconcile(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}
	if len(ids) > 0 {
		s.invalidate(library.BooksKey(), library.DashboardKey())
	}
	return len(ids), nil
}

func (s *Service) invalidate(keys ...querycache.Key) {
	if s.cache == nil {
		return
	}
	for _, k := range keys {
		s.cache.Invalidate(k)
	}
}

func (s *Service) enqueue(ctx context.Context, typ library.NotificationType, userID string, bookID int64, format string) {
	if s.notifier == nil {
		return
	}
	title := fmt.Sprintf("book #%d", bookID)
	if b, err := s.store.Book(ctx, bookID); err == nil {
		title = fmt.Sprintf("%q by %s", b.Title, b.Author)
	}
	s.notifier.Enqueue(notify.Event{
		Type:    typ,
		UserID:  userID,
		Message: fmt.Sprintf(format, title),
	})
}
