package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"go.uber.org/zap"

	"library-circulation/feed"
)

var loanColumns = []any{"id", "book_id", "user_id", "status", "loan_date", "return_date"}

type bookState struct {
	ID     int64      `json:"id"`
	Status BookStatus `json:"status"`
}

// ClaimBook checks bookID out to userID.
//
// The claim is a single conditional update that only succeeds while the book
// is AVAILABLE and active; the loan row is written in the same transaction.
// When the update matches nothing the book either does not exist
// (ErrBookNotFound) or another claim committed first (ErrAlreadyTaken).
func (d *Database) ClaimBook(ctx context.Context, bookID int64, userID string) (*Loan, error) {
	claim, args, err := d.dialect.Update(tableBooks).Prepared(true).
		Set(goqu.Record{"status": string(StatusLoaned)}).
		Where(
			goqu.C("id").Eq(bookID),
			goqu.C("status").Eq(string(StatusAvailable)),
			goqu.C("is_active").Eq(1),
		).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build claim: %w", err)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, claim, args...)
	if err != nil {
		return nil, fmt.Errorf("claim book %d: %w", bookID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var active bool
		err := tx.GetContext(ctx, &active, `SELECT is_active FROM books WHERE id = ?`, bookID)
		switch {
		case errors.Is(err, sql.ErrNoRows), err == nil && !active:
			return nil, ErrBookNotFound
		case err != nil:
			return nil, fmt.Errorf("lookup book %d: %w", bookID, err)
		}
		return nil, ErrAlreadyTaken
	}

	loan := Loan{
		BookID:   bookID,
		UserID:   userID,
		Status:   LoanActive,
		LoanDate: d.now().UTC(),
	}
	insert, args, err := d.dialect.Insert(tableLoans).Prepared(true).
		Rows(goqu.Record{
			"book_id":   loan.BookID,
			"user_id":   loan.UserID,
			"status":    string(loan.Status),
			"loan_date": loan.LoanDate,
		}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert loan: %w", err)
	}
	res, err = tx.ExecContext(ctx, insert, args...)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			// The book was AVAILABLE yet still had an ACTIVE loan.
			d.logger.Error("claimed book already has an active loan", zap.Int64("book_id", bookID))
			return nil, ErrInconsistentState
		case isForeignKeyViolation(err):
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("insert loan: %w", err)
	}
	if loan.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	d.publish(ctx, CollectionBooks, feed.EventUpdate,
		bookState{ID: bookID, Status: StatusLoaned},
		bookState{ID: bookID, Status: StatusAvailable})
	d.publish(ctx, CollectionLoans, feed.EventInsert, loan, nil)
	return &loan, nil
}

// ReturnLoan closes an ACTIVE loan and makes its book AVAILABLE again, both in
// one transaction. Returning a loan that is no longer ACTIVE writes nothing
// and reports ErrLoanNotActive. A book that is not LOANED while its loan was
// ACTIVE rolls everything back with ErrInconsistentState.
func (d *Database) ReturnLoan(ctx context.Context, loanID, bookID int64) (*Loan, error) {
	returnedAt := d.now().UTC()
	closeLoan, closeArgs, err := d.dialect.Update(tableLoans).Prepared(true).
		Set(goqu.Record{"status": string(LoanReturned), "return_date": returnedAt}).
		Where(
			goqu.C("id").Eq(loanID),
			goqu.C("book_id").Eq(bookID),
			goqu.C("status").Eq(string(LoanActive)),
		).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build close loan: %w", err)
	}
	release, releaseArgs, err := d.dialect.Update(tableBooks).Prepared(true).
		Set(goqu.Record{"status": string(StatusAvailable)}).
		Where(
			goqu.C("id").Eq(bookID),
			goqu.C("status").Eq(string(StatusLoaned)),
		).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build release book: %w", err)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, closeLoan, closeArgs...)
	if err != nil {
		return nil, fmt.Errorf("close loan %d: %w", loanID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrLoanNotActive
	}

	res, err = tx.ExecContext(ctx, release, releaseArgs...)
	if err != nil {
		return nil, fmt.Errorf("release book %d: %w", bookID, err)
	}
	if n, err = rowsAffected(res); err != nil {
		return nil, err
	}
	if n == 0 {
		d.logger.Error("returned loan's book was not on loan",
			zap.Int64("loan_id", loanID),
			zap.Int64("book_id", bookID))
		return nil, ErrInconsistentState
	}

	query, args, err := d.dialect.From(tableLoans).Prepared(true).
		Select(loanColumns...).
		Where(goqu.C("id").Eq(loanID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select loan: %w", err)
	}
	var loan Loan
	if err := tx.GetContext(ctx, &loan, query, args...); err != nil {
		return nil, fmt.Errorf("reload loan %d: %w", loanID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	active := loan
	active.Status = LoanActive
	active.ReturnDate = nil
	d.publish(ctx, CollectionLoans, feed.EventUpdate, loan, active)
	d.publish(ctx, CollectionBooks, feed.EventUpdate,
		bookState{ID: bookID, Status: StatusAvailable},
		bookState{ID: bookID, Status: StatusLoaned})
	return &loan, nil
}

// Reconcile flips every LOANED book without an ACTIVE loan back to AVAILABLE
// and returns the ids it repaired.
func (d *Database) Reconcile(ctx context.Context) ([]int64, error) {
	activeLoans := d.dialect.From(tableLoans).
		Select("book_id").
		Where(goqu.C("status").Eq(string(LoanActive)))
	orphaned := goqu.And(
		goqu.C("status").Eq(string(StatusLoaned)),
		goqu.C("id").NotIn(activeLoans),
	)

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query, args, err := d.dialect.From(tableBooks).Prepared(true).
		Select("id").Where(orphaned).Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select orphaned: %w", err)
	}
	var ids []int64
	if err := tx.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("select orphaned books: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	update, args, err := d.dialect.Update(tableBooks).Prepared(true).
		Set(goqu.Record{"status": string(StatusAvailable)}).
		Where(goqu.C("id").In(ids), orphaned).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build release orphaned: %w", err)
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return nil, fmt.Errorf("release orphaned books: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		d.publish(ctx, CollectionBooks, feed.EventUpdate,
			bookState{ID: id, Status: StatusAvailable},
			bookState{ID: id, Status: StatusLoaned})
	}
	d.logger.Info("reconciled orphaned loans", zap.Int("books", len(ids)))
	return ids, nil
}

// Loan fetches a loan by id.
func (d *Database) Loan(ctx context.Context, id int64) (*Loan, error) {
	query, args, err := d.dialect.From(tableLoans).Prepared(true).
		Select(loanColumns...).
		Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select loan: %w", err)
	}
	var loan Loan
	if err := d.db.GetContext(ctx, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return &loan, nil
}

// ActiveLoanForBook returns the ACTIVE loan of a book, if any.
func (d *Database) ActiveLoanForBook(ctx context.Context, bookID int64) (*Loan, error) {
	query, args, err := d.dialect.From(tableLoans).Prepared(true).
		Select(loanColumns...).
		Where(goqu.C("book_id").Eq(bookID), goqu.C("status").Eq(string(LoanActive))).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select active loan: %w", err)
	}
	var loan Loan
	if err := d.db.GetContext(ctx, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return &loan, nil
}

// UserLoans lists a user's loans, newest first, joined with their books.
func (d *Database) UserLoans(ctx context.Context, userID string, activeOnly bool) ([]LoanDetail, error) {
	ds := d.dialect.From(goqu.T(tableLoans).As("l")).Prepared(true).
		Join(goqu.T(tableBooks).As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("l.book_id")))).
		Select(
			goqu.I("l.id"), goqu.I("l.book_id"), goqu.I("l.user_id"), goqu.I("l.status"),
			goqu.I("l.loan_date"), goqu.I("l.return_date"), goqu.I("b.title"), goqu.I("b.author"),
		).
		Where(goqu.I("l.user_id").Eq(userID)).
		Order(goqu.I("l.loan_date").Desc(), goqu.I("l.id").Desc())
	if activeOnly {
		ds = ds.Where(goqu.I("l.status").Eq(string(LoanActive)))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select user loans: %w", err)
	}
	loans := []LoanDetail{}
	if err := d.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("select user loans: %w", err)
	}
	return loans, nil
}
