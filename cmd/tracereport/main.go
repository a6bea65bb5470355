package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/PatchLens/bytetrace/bytetrace"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	diffLog := flag.String("log", bytetrace.DefaultDiffLogPath, "Diff stream log file to report on")
	verboseLog := flag.String("ori", bytetrace.DefaultVerboseLogPath, "Verbose stream log file, read when the diff stream is empty")
	archiveDir := flag.String("archive", "", "Trace archive directory, required by -run, -compare and -list")
	runID := flag.String("run", "", "Archived run to report on instead of the log files")
	compareID := flag.String("compare", "", "Archived run to diff the reported trace against")
	listRuns := flag.Bool("list", false, "List archived runs and exit")
	reportJsonFile := flag.String("json", "tracereport.json", "File to output the trace summary")
	reportChartsFile := flag.String("charts", "", "File to output the summary chart image (png, jpg or svg)")
	query := flag.String("query", "", "jq expression evaluated against every local variable snapshot")
	flag.Parse()

	var archive *bytetrace.TraceArchive
	if *archiveDir != "" {
		store, err := bytetrace.NewBadgerStorage(*archiveDir)
		if err != nil {
			log.Fatalf("%sFailed to open archive: %v", bytetrace.ErrorLogPrefix, err)
		}
		defer func() { _ = store.Close() }()
		archive = bytetrace.NewTraceArchive(store)
	} else if *runID != "" || *compareID != "" || *listRuns {
		log.Fatalf("%s-archive is required to read archived runs", bytetrace.ErrorLogPrefix)
	}

	if *listRuns {
		ids, err := archive.List()
		if err != nil {
			log.Fatalf("%sFailed to list runs: %v", bytetrace.ErrorLogPrefix, err)
		}
		for _, id := range ids {
			run, err := archive.Load(id)
			if err != nil {
				log.Printf("%sFailed to load run %s: %v", bytetrace.ErrorLogPrefix, id, err)
				continue
			}
			fmt.Printf("%s\t%s\t%s\t%d events\n", run.ID, run.CreatedAt.Format("2006-01-02 15:04:05"), run.Label, len(run.Events))
		}
		return
	}

	label := *diffLog
	var events []bytetrace.TraceEvent
	if *runID != "" {
		run, err := archive.Load(*runID)
		if err != nil {
			log.Fatalf("%sFailed to load run: %v", bytetrace.ErrorLogPrefix, err)
		}
		label, events = run.Label, run.Events
	} else {
		var err error
		if events, err = bytetrace.LoadTrace(*diffLog, *verboseLog); err != nil {
			log.Fatalf("%sFailed to read trace: %v", bytetrace.ErrorLogPrefix, err)
		}
	}

	summary := bytetrace.SummarizeRun(label, events)
	if *reportJsonFile != "" {
		if err := bytetrace.WriteSummaryJSON(*reportJsonFile, summary); err != nil {
			log.Fatalf("%s%v", bytetrace.ErrorLogPrefix, err)
		}
		log.Println("Report file wrote: " + *reportJsonFile)
	}
	if *reportChartsFile != "" {
		if err := bytetrace.WriteSummaryChart(*reportChartsFile, summary); err != nil {
			log.Fatalf("%s%v", bytetrace.ErrorLogPrefix, err)
		}
		log.Println("Report file wrote: " + *reportChartsFile)
	}

	if *compareID != "" {
		other, err := archive.Load(*compareID)
		if err != nil {
			log.Fatalf("%sFailed to load comparison run: %v", bytetrace.ErrorLogPrefix, err)
		}
		diff, err := bytetrace.DiffRuns(other.Events, events, other.ID, label)
		if err != nil {
			log.Fatalf("%sFailed to diff runs: %v", bytetrace.ErrorLogPrefix, err)
		} else if diff == "" {
			log.Println("Traces match")
		} else {
			fmt.Print(diff)
		}
	}

	if *query != "" {
		results, err := bytetrace.QueryLocals(events, *query)
		if err != nil {
			log.Fatalf("%s%v", bytetrace.ErrorLogPrefix, err)
		}
		enc := json.NewEncoder(os.Stdout)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				log.Fatalf("%sFailed to write query result: %v", bytetrace.ErrorLogPrefix, err)
			}
		}
	}
}
