package library

import "time"

// Role is the authorization level of a profile.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Profile is the library's view of an authenticated user. Profiles are
// created on first authentication and never deleted by the core.
type Profile struct {
	ID          string    `db:"id" json:"id"`
	Email       string    `db:"email" json:"email"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Role        Role      `db:"role" json:"role"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// IsAdmin reports whether the profile may use admin views.
func (p *Profile) IsAdmin() bool { return p != nil && p.Role == RoleAdmin }

// Credential links a sign-in method to a profile. Password credentials use
// the email as subject; external providers use their own subject id.
type Credential struct {
	UserID       string    `db:"user_id"`
	Provider     string    `db:"provider"`
	Subject      string    `db:"subject"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// BookStatus is the circulation state of a copy.
type BookStatus string

const (
	StatusAvailable BookStatus = "AVAILABLE"
	StatusLoaned    BookStatus = "LOANED"
)

// Book represents metadata and current availability of a book in the library.
type Book struct {
	ID        int64      `db:"id" json:"id"`
	Title     string     `db:"title" json:"title"`
	Author    string     `db:"author" json:"author"`
	Category  string     `db:"category" json:"category"`
	Status    BookStatus `db:"status" json:"status"`
	IsActive  bool       `db:"is_active" json:"is_active"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Available reports whether the book can be requested right now.
func (b *Book) Available() bool { return b.IsActive && b.Status == StatusAvailable }

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanActive   LoanStatus = "ACTIVE"
	LoanReturned LoanStatus = "RETURNED"
)

// Loan records one checkout. RETURNED loans are never modified again.
type Loan struct {
	ID         int64      `db:"id" json:"id"`
	BookID     int64      `db:"book_id" json:"book_id"`
	UserID     string     `db:"user_id" json:"user_id"`
	Status     LoanStatus `db:"status" json:"status"`
	LoanDate   time.Time  `db:"loan_date" json:"loan_date"`
	ReturnDate *time.Time `db:"return_date" json:"return_date,omitempty"`
}

// LoanDetail is a loan joined with the book it refers to.
type LoanDetail struct {
	Loan
	Title  string `db:"title" json:"title"`
	Author string `db:"author" json:"author"`
}

// NotificationType classifies a notification row.
type NotificationType string

const (
	NotifyLogin  NotificationType = "LOGIN"
	NotifyLoan   NotificationType = "LOAN"
	NotifyReturn NotificationType = "RETURN"
)

// Notification is append-only apart from IsRead.
type Notification struct {
	ID        int64            `db:"id" json:"id"`
	Type      NotificationType `db:"type" json:"type"`
	Message   string           `db:"message" json:"message"`
	UserID    string           `db:"user_id" json:"user_id"`
	IsRead    bool             `db:"is_read" json:"is_read"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// BookQuery selects one page of the catalog.
type BookQuery struct {
	Page     int // 1-based
	PageSize int
	Search   string
	// IncludeInactive also lists soft-deleted books (admin views).
	IncludeInactive bool
}

// CatalogPage is one page of books plus the total match count.
type CatalogPage struct {
	Books    []Book `json:"books"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Total    int64  `json:"total"`
}

// Pages returns the number of pages needed for Total.
func (p *CatalogPage) Pages() int {
	if p.PageSize <= 0 || p.Total == 0 {
		return 1
	}
	return int((p.Total + int64(p.PageSize) - 1) / int64(p.PageSize))
}

// CategoryCount is a row of the loans-per-category report.
type CategoryCount struct {
	Category string `db:"category" json:"category"`
	Loans    int64  `db:"loans" json:"loans"`
}

// DashboardStats backs the admin dashboard.
type DashboardStats struct {
	TotalBooks      int64           `json:"total_books"`
	AvailableBooks  int64           `json:"available_books"`
	LoanedBooks     int64           `json:"loaned_books"`
	ActiveLoans     int64           `json:"active_loans"`
	Users           int64           `json:"users"`
	LoansByCategory []CategoryCount `json:"loans_by_category"`
}
