package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.csv")
	content := "title,author,category\nDune, Frank Herbert, Science Fiction\n\"Emma\",Jane Austen\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rows, err := readCSV(path)
	if err != nil {
		t.Fatalf("readCSV: %v", err)
	}
	want := [][3]string{
		{"Dune", "Frank Herbert", "Science Fiction"},
		{"Emma", "Jane Austen", ""},
	}
	if len(rows) != len(want) {
		t.Fatalf("want %d rows, got %d: %v", len(want), len(rows), rows)
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("row %d: want %v, got %v", i, want[i], rows[i])
		}
	}
}

func TestReadCSVRejectsMissingAuthor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.csv")
	if err := os.WriteFile(path, []byte("Dune\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readCSV(path); err == nil {
		t.Fatal("want error for a row without author")
	}
}
