package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"library-circulation/feed"
)

// Collections published on the change feed.
const (
	CollectionBooks         = "books"
	CollectionLoans         = "loans"
	CollectionNotifications = "notifications"
	CollectionProfiles      = "profiles"
)

const (
	dialectSQLite      = "sqlite3"
	defaultBusyTimeout = 5 * time.Second
	defaultPageSize    = 10
	maxPageSize        = 100

	tableBooks         = "books"
	tableLoans         = "loans"
	tableProfiles      = "profiles"
	tableCredentials   = "credentials"
	tableNotifications = "notifications"
)

var (
	ErrBookNotFound         = errors.New("book not found")
	ErrBookOnLoan           = errors.New("book is on loan")
	ErrAlreadyTaken         = errors.New("book was already taken")
	ErrLoanNotFound         = errors.New("loan not found")
	ErrLoanNotActive        = errors.New("loan is not active")
	ErrInconsistentState    = errors.New("book and loan state disagree")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrCredentialNotFound   = errors.New("credential not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrDuplicate            = errors.New("record already exists")
)

// Database is the sqlite backing store. Every committed write is published
// on the change feed when a publisher is configured.
type Database struct {
	db        *sqlx.DB
	dialect   goqu.DialectWrapper
	publisher feed.Publisher
	logger    *zap.Logger
	now       func() time.Time

	busyTimeout time.Duration
}

// Option configures a Database.
type Option func(*Database)

// WithPublisher publishes committed writes to p.
func WithPublisher(p feed.Publisher) Option {
	return func(d *Database) {
		d.publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Database) {
		d.logger = logger
	}
}

// WithBusyTimeout sets how long a writer waits for the database lock.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(d *Database) {
		if timeout > 0 {
			d.busyTimeout = timeout
		}
	}
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Database) {
		d.now = now
	}
}

func newDatabase(db *sqlx.DB, opts []Option) *Database {
	d := &Database{
		db:          db,
		dialect:     goqu.Dialect(dialectSQLite),
		logger:      zap.NewNop(),
		now:         time.Now,
		busyTimeout: defaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewDatabase opens (or creates) the SQLite database at dbPath and applies
// schema migrations.
func NewDatabase(dbPath string, opts ...Option) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	d := newDatabase(nil, opts)

	// Writers take the lock at BEGIN so concurrent claims queue on the busy
	// timeout instead of failing on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=immediate",
		dbPath, d.busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	d.db = db
	return d, nil
}

// NewDatabaseFromSQLX wraps an already opened handle. Migrations are the
// caller's responsibility.
func NewDatabaseFromSQLX(db *sqlx.DB, opts ...Option) *Database {
	return newDatabase(db, opts)
}

// Close closes the DB.
func (d *Database) Close() error {
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sqlx.DB) error {
	// WAL lets readers run while a claim holds the write lock.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
            id TEXT PRIMARY KEY,
            email TEXT NOT NULL UNIQUE,
            display_name TEXT NOT NULL DEFAULT '',
            role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user','admin')),
            created_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS credentials (
            user_id TEXT NOT NULL REFERENCES profiles(id),
            provider TEXT NOT NULL,
            subject TEXT NOT NULL,
            password_hash TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            PRIMARY KEY (provider, subject)
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            category TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'AVAILABLE' CHECK (status IN ('AVAILABLE','LOANED')),
            is_active INTEGER NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS loans (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            book_id INTEGER NOT NULL REFERENCES books(id),
            user_id TEXT NOT NULL REFERENCES profiles(id),
            status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE','RETURNED')),
            loan_date DATETIME NOT NULL,
            return_date DATETIME
        );`,
		// At most one ACTIVE loan per book, whatever the writer.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_one_active ON loans(book_id) WHERE status = 'ACTIVE';`,
		`CREATE INDEX IF NOT EXISTS idx_loans_user ON loans(user_id, status);`,
		`CREATE TABLE IF NOT EXISTS notifications (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL CHECK (type IN ('LOGIN','LOAN','RETURN')),
            message TEXT NOT NULL,
            user_id TEXT NOT NULL REFERENCES profiles(id),
            is_read INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_read);`,
		// FTS5 virtual table
		`CREATE VIRTUAL TABLE IF NOT EXISTS books_fts USING fts5(
            title, author, category, content='books', content_rowid='id'
        );`,
		// Triggers to keep FTS in sync
		`CREATE TRIGGER IF NOT EXISTS trg_books_ai AFTER INSERT ON books BEGIN
            INSERT INTO books_fts(rowid,title,author,category) VALUES(new.id,new.title,new.author,new.category);
        END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_books_ad AFTER DELETE ON books BEGIN
            INSERT INTO books_fts(books_fts, rowid, title, author, category) VALUES('delete',old.id,old.title,old.author,old.category);
        END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_books_au AFTER UPDATE OF title, author, category ON books BEGIN
            INSERT INTO books_fts(books_fts, rowid, title, author, category) VALUES('delete',old.id,old.title,old.author,old.category);
            INSERT INTO books_fts(rowid,title,author,category) VALUES(new.id,new.title,new.author,new.category);
        END;`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Change publishing
// ---------------------------------------------------------------------------

func (d *Database) publish(ctx context.Context, collection string, typ feed.EventType, newRecord, oldRecord any) {
	if d.publisher == nil {
		return
	}
	change, err := feed.NewChange(collection, typ, newRecord, oldRecord)
	if err != nil {
		d.logger.Warn("failed to encode change",
			zap.String("collection", collection),
			zap.Error(err))
		return
	}
	d.publisher.Publish(ctx, change)
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == code
}

func isUniqueViolation(err error) bool {
	return isConstraint(err, sqlite3.ErrConstraintUnique) || isConstraint(err, sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyViolation(err error) bool {
	return isConstraint(err, sqlite3.ErrConstraintForeignKey)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Books
// ---------------------------------------------------------------------------

var bookColumns = []any{"id", "title", "author", "category", "status", "is_active", "created_at"}

// AddBook inserts an available, active book.
func (d *Database) AddBook(ctx context.Context, title, author, category string) (*Book, error) {
	title, author, category = strings.TrimSpace(title), strings.TrimSpace(author), strings.TrimSpace(category)
	if title == "" || author == "" {
		return nil, fmt.Errorf("title and author are required")
	}
	book := Book{
		Title:     title,
		Author:    author,
		Category:  category,
		Status:    StatusAvailable,
		IsActive:  true,
		CreatedAt: d.now().UTC(),
	}

	query, args, err := d.dialect.Insert(tableBooks).Prepared(true).
		Rows(goqu.Record{
			"title":      book.Title,
			"author":     book.Author,
			"category":   book.Category,
			"status":     string(book.Status),
			"is_active":  1,
			"created_at": book.CreatedAt,
		}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert book: %w", err)
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}
	if book.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	d.publish(ctx, CollectionBooks, feed.EventInsert, book, nil)
	return &book, nil
}

// Book fetches a single book, active or not.
func (d *Database) Book(ctx context.Context, id int64) (*Book, error) {
	query, args, err := d.dialect.From(tableBooks).Prepared(true).
		Select(bookColumns...).
		Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select book: %w", err)
	}
	var b Book
	if err := d.db.GetContext(ctx, &b, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, err
	}
	return &b, nil
}

// Books returns one page of the catalog ordered by id. A non-empty Search
// is matched against title, author and category through FTS5.
func (d *Database) Books(ctx context.Context, q BookQuery) (*CatalogPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}

	base := d.dialect.From(tableBooks).Prepared(true)
	if !q.IncludeInactive {
		base = base.Where(goqu.C("is_active").Eq(1))
	}
	if match := ftsQuery(q.Search); match != "" {
		base = base.Where(goqu.L("`books`.`id` IN (SELECT rowid FROM books_fts WHERE books_fts MATCH ?)", match))
	}

	countQuery, countArgs, err := base.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build count books: %w", err)
	}
	page := &CatalogPage{Page: q.Page, PageSize: q.PageSize, Books: []Book{}}
	if err := d.db.GetContext(ctx, &page.Total, countQuery, countArgs...); err != nil {
		return nil, fmt.Errorf("count books: %w", err)
	}

	query, args, err := base.Select(bookColumns...).
		Order(goqu.I("id").Asc()).
		Limit(uint(q.PageSize)).
		Offset(uint((q.Page - 1) * q.PageSize)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select books: %w", err)
	}
	if err := d.db.SelectContext(ctx, &page.Books, query, args...); err != nil {
		return nil, fmt.Errorf("select books: %w", err)
	}
	return page, nil
}

// DeactivateBook soft-deletes an available book. Books on loan stay active
// until returned.
func (d *Database) DeactivateBook(ctx context.Context, id int64) error {
	query, args, err := d.dialect.Update(tableBooks).Prepared(true).
		Set(goqu.Record{"is_active": 0}).
		Where(
			goqu.C("id").Eq(id),
			goqu.C("status").Eq(string(StatusAvailable)),
			goqu.C("is_active").Eq(1),
		).ToSQL()
	if err != nil {
		return fmt.Errorf("build deactivate book: %w", err)
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deactivate book: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		book, err := d.Book(ctx, id)
		if err != nil {
			return err
		}
		if !book.IsActive {
			return nil
		}
		return ErrBookOnLoan
	}

	d.publish(ctx, CollectionBooks, feed.EventUpdate,
		map[string]any{"id": id, "is_active": false},
		map[string]any{"id": id, "is_active": true})
	return nil
}

// ftsQuery turns free text into an FTS5 prefix query, one quoted term per
// word, so punctuation in user input cannot break the MATCH syntax.
func ftsQuery(search string) string {
	var terms []string
	for _, word := range strings.Fields(search) {
		word = strings.ReplaceAll(word, `"`, "")
		if word == "" {
			continue
		}
		terms = append(terms, `"`+word+`"*`)
	}
	return strings.Join(terms, " ")
}

// ---------------------------------------------------------------------------
// Profiles & credentials
// ---------------------------------------------------------------------------

var profileColumns = []any{"id", "email", "display_name", "role", "created_at"}

// CreateProfile inserts p, and cred when non-nil, in one transaction. An
// empty ID gets a fresh uuid; an empty role defaults to user.
func (d *Database) CreateProfile(ctx context.Context, p Profile, cred *Credential) (*Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Role == "" {
		p.Role = RoleUser
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.CreatedAt = d.now().UTC()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query, args, err := d.dialect.Insert(tableProfiles).Prepared(true).
		Rows(goqu.Record{
			"id":           p.ID,
			"email":        p.Email,
			"display_name": p.DisplayName,
			"role":         string(p.Role),
			"created_at":   p.CreatedAt,
		}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert profile: %w", err)
	}

	if cred != nil {
		cred.UserID = p.ID
		if err := d.insertCredential(ctx, tx, cred); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	d.publish(ctx, CollectionProfiles, feed.EventInsert, p, nil)
	return &p, nil
}

// AddCredential links another sign-in method to an existing profile.
func (d *Database) AddCredential(ctx context.Context, cred Credential) error {
	return d.insertCredential(ctx, d.db, &cred)
}

func (d *Database) insertCredential(ctx context.Context, exec sqlx.ExecerContext, cred *Credential) error {
	cred.CreatedAt = d.now().UTC()
	query, args, err := d.dialect.Insert(tableCredentials).Prepared(true).
		Rows(goqu.Record{
			"user_id":       cred.UserID,
			"provider":      cred.Provider,
			"subject":       cred.Subject,
			"password_hash": cred.PasswordHash,
			"created_at":    cred.CreatedAt,
		}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert credential: %w", err)
	}
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		switch {
		case isUniqueViolation(err):
			return ErrDuplicate
		case isForeignKeyViolation(err):
			return ErrProfileNotFound
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Profile fetches a profile by id.
func (d *Database) Profile(ctx context.Context, id string) (*Profile, error) {
	return d.profileWhere(ctx, goqu.C("id").Eq(id))
}

// ProfileByEmail fetches a profile by (case-insensitive) email.
func (d *Database) ProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	return d.profileWhere(ctx, goqu.C("email").Eq(strings.ToLower(strings.TrimSpace(email))))
}

func (d *Database) profileWhere(ctx context.Context, cond goqu.Expression) (*Profile, error) {
	query, args, err := d.dialect.From(tableProfiles).Prepared(true).
		Select(profileColumns...).
		Where(cond).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select profile: %w", err)
	}
	var p Profile
	if err := d.db.GetContext(ctx, &p, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Credential looks up the credential registered for provider and subject.
func (d *Database) Credential(ctx context.Context, provider, subject string) (*Credential, error) {
	query, args, err := d.dialect.From(tableCredentials).Prepared(true).
		Select("user_id", "provider", "subject", "password_hash", "created_at").
		Where(goqu.C("provider").Eq(provider), goqu.C("subject").Eq(subject)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select credential: %w", err)
	}
	var c Credential
	if err := d.db.GetContext(ctx, &c, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &c, nil
}

// SetRole changes the role of a profile.
func (d *Database) SetRole(ctx context.Context, id string, role Role) error {
	if role != RoleUser && role != RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	query, args, err := d.dialect.Update(tableProfiles).Prepared(true).
		Set(goqu.Record{"role": string(role)}).
		Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update role: %w", err)
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	d.publish(ctx, CollectionProfiles, feed.EventUpdate, map[string]any{"id": id, "role": role}, nil)
	return nil
}
