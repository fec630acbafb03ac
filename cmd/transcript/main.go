// Command transcript prints command output recorded by the sheriff's
// transcript archive. It opens the database read-only, so it is safe to run
// next to a live console.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"procsheriff/archive"

	"github.com/dustin/go-humanize"
)

func main() {
	dbPath := flag.String("db", filepath.Join("data", "archive", "transcript.db"), "transcript database")
	subject := flag.String("subject", "", "subject to print (global or cmd:<id>); empty prints every subject")
	limit := flag.Int("n", 200, "number of most recent entries to print")
	list := flag.Bool("list", false, "list subjects with entry counts instead of printing text")
	flag.Parse()
	log.SetFlags(0)

	r, err := archive.OpenReader(*dbPath)
	if err != nil {
		log.Fatalf("transcript: %v", err)
	}
	defer r.Close()

	if *list {
		subjects, err := r.Subjects()
		if err != nil {
			log.Fatalf("transcript: %v", err)
		}
		now := time.Now()
		for _, s := range subjects {
			fmt.Printf("%-12s %10s entries  last %s\n", s.Subject, humanize.Comma(int64(s.Entries)), humanize.RelTime(s.Last, now, "ago", "from now"))
		}
		return
	}

	entries, err := r.Recent(strings.TrimSpace(*subject), *limit)
	if err != nil {
		log.Fatalf("transcript: %v", err)
	}
	showSubject := *subject == ""
	for _, e := range entries {
		text := e.Text
		if showSubject {
			fmt.Fprintf(os.Stdout, "%s %s| %s", e.At.UTC().Format("15:04:05.000"), e.Subject, text)
		} else {
			fmt.Fprint(os.Stdout, text)
		}
		if showSubject && !strings.HasSuffix(text, "\n") {
			fmt.Fprintln(os.Stdout)
		}
	}
}
