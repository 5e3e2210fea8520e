package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/jingweiz/sample-factory/internal/report"
)

var (
	dir  = flag.String("dir", "./train_dir/summaries", "summary archive directory")
	from = flag.Int64("from", 0, "first train step to print")
	to   = flag.Int64("to", math.MaxInt64, "last train step to print")
	last = flag.Bool("last", false, "print only the newest record")
)

func main() {
	flag.Parse()

	// Opening a missing path would create an empty archive there.
	if _, err := os.Stat(*dir); err != nil {
		log.Fatalf("Archive directory %s not found: %v", *dir, err)
	}

	archive, err := report.OpenArchive(*dir)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	defer archive.Close()

	if *last {
		rec, ok, err := archive.Last()
		if err != nil {
			log.Fatalf("Failed to read newest record: %v", err)
		}
		if !ok {
			fmt.Println("Archive is empty")
			os.Exit(1)
		}
		printRecord(rec)
		return
	}

	n := 0
	err = archive.Range(*from, *to, func(rec report.Record) error {
		printRecord(rec)
		n++
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to scan archive: %v", err)
	}
	if n == 0 {
		fmt.Println("No records in range")
		os.Exit(1)
	}
}

func printRecord(rec report.Record) {
	keys := make([]string, 0, len(rec.Stats))
	for k := range rec.Stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "step=%d saved=%s", rec.Step, rec.SavedAt.Format("2006-01-02T15:04:05"))
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%.6g", k, rec.Stats[k])
	}
	fmt.Println(sb.String())
}
