package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"library-circulation/auth"
	"library-circulation/circulation"
	"library-circulation/feed"
	"library-circulation/library"
	"library-circulation/metrics"
	"library-circulation/session"
)

// newRootCmd builds the command tree. cleanup releases whatever the command
// that ran opened, and must run even when it failed.
func newRootCmd() (root *cobra.Command, cleanup func()) {
	var (
		configPath string
		a          *app
	)
	root = &cobra.Command{
		Use:           "library",
		Short:         "Library circulation: catalog, loans and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			a, err = newApp(cmd.Context(), configPath)
			return err
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml")

	get := func() *app { return a }
	root.AddCommand(
		registerCmd(get),
		loginCmd(get),
		logoutCmd(get),
		whoamiCmd(get),
		booksCmd(get),
		loanCmd(get),
		loansCmd(get),
		notificationsCmd(get),
		dashboardCmd(get),
		reconcileCmd(get),
		watchCmd(get),
	)
	return root, func() {
		if a != nil {
			a.close()
		}
	}
}

// ------------------ Account ------------------

func registerCmd(get func() *app) *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			var err error
			if email == "" {
				if email, err = a.readLine("Email: "); err != nil {
					return err
				}
			}
			password, err := readPassword("Choose a password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			confirm, err := readPassword("Repeat the password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}

			user, err := a.session.Register(cmd.Context(), session.Credentials{
				Email:       email,
				Password:    password,
				DisplayName: name,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Welcome, %s! You are signed in.\n", user.DisplayName)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func loginCmd(get func() *app) *cobra.Command {
	var email, provider string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password or an external provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if provider != "" {
				user, err := a.session.LoginWithExternalProvider(cmd.Context(), provider)
				if err != nil {
					return err
				}
				fmt.Printf("Signed in as %s via %s.\n", user.Email, provider)
				return nil
			}

			var err error
			if email == "" {
				if email, err = a.readLine("Email: "); err != nil {
					return err
				}
			}
			password, err := readPassword("Password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			user, err := a.session.Login(cmd.Context(), session.Credentials{Email: email, Password: password})
			if err != nil {
				if errors.Is(err, auth.ErrInvalidCredentials) {
					return errors.New("authentication failed: invalid email or password")
				}
				return err
			}
			fmt.Printf("Signed in as %s.\n", user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&provider, "provider", "", "external identity provider name")
	return cmd
}

func logoutCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := get().session.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("signed out locally, remote sign-out failed: %w", err)
			}
			fmt.Println("Signed out.")
			return nil
		},
	}
}

func whoamiCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.session.WaitReady(cmd.Context()); err != nil {
				return err
			}
			user, err := a.session.RequireUser()
			if err != nil {
				fmt.Println("Not signed in.")
				return nil
			}
			fmt.Printf("%s <%s> role=%s id=%s\n", user.DisplayName, user.Email, user.Role, user.ID)
			return nil
		},
	}
}

// ------------------ Catalog ------------------

func booksCmd(get func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "books",
		Short: "Browse and manage the catalog",
	}

	var page int
	var search string
	list := &cobra.Command{
		Use:   "list",
		Short: "List one page of the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printCatalog(cmd.Context(), get(), page, search)
		},
	}
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().StringVar(&search, "search", "", "full-text search")

	add := &cobra.Command{
		Use:   "add <title> <author> [category]",
		Short: "Add a book (admin)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if _, err := a.session.RequireAdmin(); err != nil {
				return err
			}
			category := ""
			if len(args) == 3 {
				category = args[2]
			}
			b, err := a.manager.AddBook(cmd.Context(), args[0], args[1], category)
			if err != nil {
				return fmt.Errorf("error adding book: %w", err)
			}
			fmt.Printf("Added book ID %d.\n", b.ID)
			return nil
		},
	}

	withdraw := &cobra.Command{
		Use:   "withdraw <book-id>",
		Short: "Withdraw a book from circulation (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if _, err := a.session.RequireAdmin(); err != nil {
				return err
			}
			id, err := parseID(args[0], "book")
			if err != nil {
				return err
			}
			if err := a.manager.DeactivateBook(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Book %d withdrawn.\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, add, withdraw)
	return cmd
}

func printCatalog(ctx context.Context, a *app, page int, search string) error {
	p, err := a.manager.CatalogPage(ctx, page, search)
	if err != nil {
		return err
	}
	if len(p.Books) == 0 {
		fmt.Println("No books found.")
		return nil
	}
	fmt.Printf("%-5s %-30s %-25s %-15s %-10s\n", "ID", "Title", "Author", "Category", "Status")
	for i := range p.Books {
		fmt.Println(library.PrettyBook(&p.Books[i]))
	}
	fmt.Printf("Page %d of %d (%d books)\n", p.Page, p.Pages(), p.Total)
	return nil
}

// ------------------ Circulation ------------------

func loanCmd(get func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loan",
		Short: "Request or return a loan",
	}

	request := &cobra.Command{
		Use:   "request <book-id>",
		Short: "Borrow a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			user, err := a.session.RequireUser()
			if err != nil {
				return err
			}
			bookID, err := parseID(args[0], "book")
			if err != nil {
				return err
			}

			loan, err := a.loans.RequestLoan(cmd.Context(), bookID, user.ID)
			switch {
			case errors.Is(err, circulation.ErrAlreadyTaken):
				fmt.Println("Someone else just took this book.")
				a.cache.Invalidate(library.BookKey(bookID))
				if b, err := a.manager.Book(cmd.Context(), bookID); err == nil {
					fmt.Println(library.PrettyBook(b))
				}
				return nil
			case errors.Is(err, circulation.ErrBookNotFound):
				return fmt.Errorf("book %d does not exist or was withdrawn", bookID)
			case err != nil:
				return err
			}
			fmt.Printf("Loan %d started for book %d.\n", loan.ID, bookID)
			return nil
		},
	}

	ret := &cobra.Command{
		Use:   "return <loan-id>",
		Short: "Return a borrowed book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			user, err := a.session.RequireUser()
			if err != nil {
				return err
			}
			loanID, err := parseID(args[0], "loan")
			if err != nil {
				return err
			}
			current, err := a.db.Loan(cmd.Context(), loanID)
			if err != nil {
				return err
			}
			borrower := user.ID
			if user.IsAdmin() {
				borrower = ""
			}

			_, err = a.loans.ReturnLoan(cmd.Context(), loanID, current.BookID, borrower)
			if errors.Is(err, circulation.ErrLoanNotActive) {
				fmt.Printf("Loan %d was already returned.\n", loanID)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Loan %d returned.\n", loanID)
			return nil
		},
	}

	cmd.AddCommand(request, ret)
	return cmd
}

func loansCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "loans",
		Short: "List your loans",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			user, err := a.session.RequireUser()
			if err != nil {
				return err
			}
			loans, err := a.manager.UserLoans(cmd.Context(), user.ID)
			if err != nil {
				return err
			}
			if len(loans) == 0 {
				fmt.Println("No loans yet.")
				return nil
			}
			fmt.Printf("%-5s %-5s %-30s %-9s %-10s %-10s\n", "Loan", "Book", "Title", "Status", "Borrowed", "Returned")
			for i := range loans {
				fmt.Println(library.PrettyLoan(&loans[i]))
			}
			return nil
		},
	}
}

func reconcileCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Release books marked LOANED without an active loan (admin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if _, err := a.session.RequireAdmin(); err != nil {
				return err
			}
			n, err := a.loans.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Released %d book(s).\n", n)
			return nil
		},
	}
}

// ------------------ Notifications & reports ------------------

func notificationsCmd(get func() *app) *cobra.Command {
	var markAll bool
	cmd := &cobra.Command{
		Use:   "notifications [mark-read <id>]",
		Short: "Show your notifications",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			user, err := a.session.RequireUser()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if len(args) == 2 && args[0] == "mark-read" {
				id, err := parseID(args[1], "notification")
				if err != nil {
					return err
				}
				return a.manager.MarkNotificationRead(ctx, id, user.ID)
			}
			if markAll {
				n, err := a.manager.MarkAllNotificationsRead(ctx, user.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Marked %d notification(s) read.\n", n)
				return nil
			}

			items, err := a.manager.NotificationFeed(ctx, user.ID)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No notifications.")
				return nil
			}
			for _, n := range items {
				mark := "*"
				if n.IsRead {
					mark = " "
				}
				fmt.Printf("%s %-5d %-7s %s  %s\n", mark, n.ID, n.Type,
					n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&markAll, "read-all", false, "mark every notification read")
	return cmd
}

func dashboardCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Circulation figures (admin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if _, err := a.session.RequireAdmin(); err != nil {
				return err
			}
			s, err := a.manager.Dashboard(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Books:        %d (%d available, %d on loan)\n", s.TotalBooks, s.AvailableBooks, s.LoanedBooks)
			fmt.Printf("Active loans: %d\n", s.ActiveLoans)
			fmt.Printf("Users:        %d\n", s.Users)
			if len(s.LoansByCategory) > 0 {
				fmt.Println("Loans by category:")
				for _, c := range s.LoansByCategory {
					category := c.Category
					if category == "" {
						category = "(none)"
					}
					fmt.Printf("  %-20s %d\n", category, c.Loans)
				}
			}
			return nil
		},
	}
}

// ------------------ Live feed ------------------

func watchCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow catalog and loan changes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			ctx := cmd.Context()

			stopViews := a.manager.Watch(a.hub)
			defer stopViews()

			for _, collection := range []string{library.CollectionBooks, library.CollectionLoans} {
				unsubscribe := a.hub.Subscribe(collection, printChange)
				defer unsubscribe()
			}

			if a.relay != nil {
				go func() {
					if err := a.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						a.logger.Warn("change relay exited", zap.Error(err))
					}
				}()
			} else {
				fmt.Println("Redis relay disabled; only changes made by this process are shown.")
			}

			if addr := a.cfg.Metrics.Listen; addr != "" {
				srv := &http.Server{Addr: addr, Handler: metrics.Handler(a.registry), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Warn("metrics endpoint stopped", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.logger.Info("serving metrics", zap.String("addr", addr))
			}

			fmt.Println("Watching for changes. Press Ctrl+C to stop.")
			<-ctx.Done()
			return nil
		},
	}
}

func printChange(c feed.Change) {
	if c.Type == feed.EventResync {
		fmt.Println("[resync] connection restored, views refreshed")
		return
	}
	var book library.Book
	switch c.Collection {
	case library.CollectionBooks:
		if ok, err := c.DecodeNew(&book); err == nil && ok {
			fmt.Printf("[%s] book %d is now %s\n", c.Type, book.ID, book.Status)
			return
		}
	case library.CollectionLoans:
		var loan library.Loan
		if ok, err := c.DecodeNew(&loan); err == nil && ok {
			fmt.Printf("[%s] loan %d for book %d is %s\n", c.Type, loan.ID, loan.BookID, loan.Status)
			return
		}
	}
	fmt.Printf("[%s] %s changed\n", c.Type, c.Collection)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s ID %q", what, s)
	}
	return id, nil
}
