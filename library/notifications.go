package library

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"library-circulation/feed"
)

var notificationColumns = []any{"id", "type", "message", "user_id", "is_read", "created_at"}

// AddNotification appends an unread notification.
func (d *Database) AddNotification(ctx context.Context, userID string, typ NotificationType, message string) (*Notification, error) {
	n := Notification{
		Type:      typ,
		Message:   message,
		UserID:    userID,
		CreatedAt: d.now().UTC(),
	}
	query, args, err := d.dialect.Insert(tableNotifications).Prepared(true).
		Rows(goqu.Record{
			"type":       string(n.Type),
			"message":    n.Message,
			"user_id":    n.UserID,
			"is_read":    0,
			"created_at": n.CreatedAt,
		}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert notification: %w", err)
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	d.publish(ctx, CollectionNotifications, feed.EventInsert, n, nil)
	return &n, nil
}

// Notifications lists a user's notifications, newest first. limit <= 0
// returns everything.
func (d *Database) Notifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	ds := d.dialect.From(tableNotifications).Prepared(true).
		Select(notificationColumns...).
		Where(goqu.C("user_id").Eq(userID)).
		Order(goqu.I("created_at").Desc(), goqu.I("id").Desc())
	if unreadOnly {
		ds = ds.Where(goqu.C("is_read").Eq(0))
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select notifications: %w", err)
	}
	out := []Notification{}
	if err := d.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRead flags one of userID's notifications as read.
func (d *Database) MarkNotificationRead(ctx context.Context, id int64, userID string) error {
	query, args, err := d.dialect.Update(tableNotifications).Prepared(true).
		Set(goqu.Record{"is_read": 1}).
		Where(goqu.C("id").Eq(id), goqu.C("user_id").Eq(userID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build mark read: %w", err)
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotificationNotFound
	}
	d.publish(ctx, CollectionNotifications, feed.EventUpdate,
		map[string]any{"id": id, "user_id": userID, "is_read": true}, nil)
	return nil
}

// MarkAllNotificationsRead flags every unread notification of userID and
// returns how many changed.
func (d *Database) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	query, args, err := d.dialect.Update(tableNotifications).Prepared(true).
		Set(goqu.Record{"is_read": 1}).
		Where(goqu.C("user_id").Eq(userID), goqu.C("is_read").Eq(0)).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build mark all read: %w", err)
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.publish(ctx, CollectionNotifications, feed.EventUpdate,
			map[string]any{"user_id": userID, "is_read": true}, nil)
	}
	return n, nil
}

// DashboardStats aggregates the admin dashboard figures.
func (d *Database) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	var books struct {
		Total     int64 `db:"total"`
		Available int64 `db:"available"`
		Loaned    int64 `db:"loaned"`
	}
	err := d.db.GetContext(ctx, &books, `
        SELECT COUNT(*) AS total,
               COALESCE(SUM(CASE WHEN status = 'AVAILABLE' THEN 1 ELSE 0 END), 0) AS available,
               COALESCE(SUM(CASE WHEN status = 'LOANED' THEN 1 ELSE 0 END), 0) AS loaned
        FROM books WHERE is_active = 1;`)
	if err != nil {
		return nil, fmt.Errorf("book stats: %w", err)
	}

	stats := &DashboardStats{
		TotalBooks:      books.Total,
		AvailableBooks:  books.Available,
		LoanedBooks:     books.Loaned,
		LoansByCategory: []CategoryCount{},
	}
	if err := d.db.GetContext(ctx, &stats.ActiveLoans, `SELECT COUNT(*) FROM loans WHERE status = 'ACTIVE';`); err != nil {
		return nil, fmt.Errorf("active loans: %w", err)
	}
	if err := d.db.GetContext(ctx, &stats.Users, `SELECT COUNT(*) FROM profiles;`); err != nil {
		return nil, fmt.Errorf("user count: %w", err)
	}
	err = d.db.SelectContext(ctx, &stats.LoansByCategory, `
        SELECT b.category AS category, COUNT(*) AS loans
        FROM loans l JOIN books b ON b.id = l.book_id
        GROUP BY b.category
        ORDER BY loans DESC, category ASC;`)
	if err != nil {
		return nil, fmt.Errorf("loans by category: %w", err)
	}
	return stats, nil
}
