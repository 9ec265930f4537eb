package library

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

const (
	claimPattern   = "UPDATE .books. SET .status.\\s*=\\s*\\? WHERE .*id. = \\?.*status. = \\?.*is_active. = \\?"
	closePattern   = "UPDATE .loans. SET .return_date.\\s*=\\s*\\?,\\s*.status.\\s*=\\s*\\? WHERE .*id. = \\?.*book_id. = \\?.*status. = \\?"
	releasePattern = "UPDATE .books. SET .status.\\s*=\\s*\\? WHERE .*id. = \\?.*status. = \\?"
)

func mockDB(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewDatabaseFromSQLX(sqlx.NewDb(conn, "sqlite3")), mock
}

// The claim must stay a single conditional update; anything that reads the
// status first and writes it later reintroduces the double-loan race.
func TestClaimIsSingleConditionalUpdate(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(claimPattern).
		WithArgs("LOANED", int64(42), "AVAILABLE", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO .loans.").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	loan, err := db.ClaimBook(context.Background(), 42, "user-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if loan.ID != 7 || loan.BookID != 42 || loan.Status != LoanActive {
		t.Fatalf("unexpected loan: %+v", loan)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimLostRaceWritesNothing(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(claimPattern).
		WithArgs("LOANED", int64(42), "AVAILABLE", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT is_active FROM books WHERE id = \\?").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))
	mock.ExpectRollback()

	_, err := db.ClaimBook(context.Background(), 42, "user-2")
	if err != ErrAlreadyTaken {
		t.Fatalf("want bare ErrAlreadyTaken, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReturnOfInactiveLoanSkipsBookWrite(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(closePattern).
		WithArgs(sqlmock.AnyArg(), "RETURNED", int64(7), int64(42), "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if _, err := db.ReturnLoan(context.Background(), 7, 42); !errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("want ErrLoanNotActive, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReturnRollsBackWhenBookNotLoaned(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(closePattern).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(releasePattern).
		WithArgs("AVAILABLE", int64(42), "LOANED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if _, err := db.ReturnLoan(context.Background(), 7, 42); !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("want ErrInconsistentState, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
