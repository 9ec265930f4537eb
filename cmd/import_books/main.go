package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"library-circulation/config"
	"library-circulation/library"
	"library-circulation/logger"
)

// Seed catalog used when no CSV file is given.
var defaultBooks = [][3]string{
	{"1984", "George Orwell", "Fiction"},
	{"Animal Farm", "George Orwell", "Fiction"},
	{"The Diary of a Young Girl", "Anne Frank", "Biography"},
	{"The Art of War", "Sun Tzu", "Philosophy"},
	{"The Fellowship of the Ring", "J.R.R. Tolkien", "Fantasy"},
	{"The Two Towers", "J.R.R. Tolkien", "Fantasy"},
	{"The Return of the King", "J.R.R. Tolkien", "Fantasy"},
	{"Harry Potter and the Philosopher's Stone", "J.K. Rowling", "Fantasy"},
	{"Harry Potter and the Chamber of Secrets", "J.K. Rowling", "Fantasy"},
	{"Harry Potter and the Prisoner of Azkaban", "J.K. Rowling", "Fantasy"},
	{"Romeo and Juliet", "William Shakespeare", "Drama"},
	{"The Three Musketeers", "Alexandre Dumas", "Adventure"},
}

func main() {
	var (
		configPath = flag.String("config", "", "path to config.toml")
		csvPath    = flag.String("file", "", "CSV file with title,author[,category] rows (default: built-in list)")
		reset      = flag.Bool("reset", false, "delete the existing database first")
		adminEmail = flag.String("admin", "", "promote the profile with this email to admin")
	)
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *reset {
		fmt.Println("Cleaning up existing database files...")
		for _, file := range []string{cfg.Database.Path, cfg.Database.Path + "-shm", cfg.Database.Path + "-wal"} {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				fmt.Printf("Warning: Could not remove %s: %v\n", file, err)
			}
		}
	}

	db, err := library.NewDatabase(cfg.Database.Path,
		library.WithLogger(log.Named("store")),
		library.WithBusyTimeout(cfg.Database.BusyTimeout))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()

	if *adminEmail != "" {
		if err := promote(ctx, db, *adminEmail); err != nil {
			fmt.Fprintf(os.Stderr, "Error promoting %s: %v\n", *adminEmail, err)
			os.Exit(1)
		}
		fmt.Printf("%s is now an admin.\n", *adminEmail)
		if *csvPath == "" && !*reset {
			return
		}
	}

	rows := defaultBooks
	if *csvPath != "" {
		if rows, err = readCSV(*csvPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", *csvPath, err)
			os.Exit(1)
		}
	}

	successCount, errorCount := 0, 0
	for _, row := range rows {
		title, author, category := row[0], row[1], row[2]
		fmt.Printf("Importing: %s by %s... ", title, author)
		b, err := db.AddBook(ctx, title, author, category)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			log.Warn("import failed", zap.String("title", title), zap.Error(err))
			errorCount++
			continue
		}
		fmt.Printf("OK (ID: %d)\n", b.ID)
		successCount++
	}

	fmt.Printf("\nImport complete: %d successful, %d errors\n", successCount, errorCount)
	if errorCount > 0 {
		os.Exit(1)
	}
}

func promote(ctx context.Context, db *library.Database, email string) error {
	p, err := db.ProfileByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, library.ErrProfileNotFound) {
			return fmt.Errorf("no account for %s, register first", email)
		}
		return err
	}
	return db.SetRole(ctx, p.ID, library.RoleAdmin)
}

// readCSV parses title,author[,category] rows. A first row whose first
// column is "title" is treated as a header.
func readCSV(path string) ([][3]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var rows [][3]string
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "title") {
			continue
		}
		if len(rec) < 2 || strings.TrimSpace(rec[0]) == "" || strings.TrimSpace(rec[1]) == "" {
			return nil, fmt.Errorf("line %d: need at least title and author", line)
		}
		row := [3]string{strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])}
		if len(rec) > 2 {
			row[2] = strings.TrimSpace(rec[2])
		}
		rows = append(rows, row)
	}
	return rows, nil
}
