package main

import (
	"fmt"
	"time"

	"github.com/cockroachdb/field-eng-powertools/stopper"
	"github.com/larrabee/s3ingest/pipeline"
)

func printLiveStats(ctx *stopper.Context, in *pipeline.Input, start time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Stopping():
			return
		case <-ticker.C:
			dur := time.Since(start)
			st := in.Stats()
			_, _ = fmt.Fprintf(live, "Listed: %d; Accepted: %d; Rejected: %d\n", st.Listed, st.Accepted, st.Rejected)
			_, _ = fmt.Fprintf(live, "Processed: %d (%.f obj/sec); Failed: %d; Gone: %d; Busy workers: %d\n",
				st.Processed, float64(st.Processed)/dur.Seconds(), st.Failed, st.Gone, in.Busy())
			_, _ = fmt.Fprintf(live, "Lines: %d; Bytes: %d; Duration: %s\n", st.Lines, st.Bytes, dur.Truncate(time.Second))
		}
	}
}

func printFinalStats(in *pipeline.Input, status ingestStatus, start time.Time) {
	dur := time.Since(start)
	st := in.Stats()
	log.Infof("Listed: %d; Accepted: %d; Rejected: %d", st.Listed, st.Accepted, st.Rejected)
	log.Infof("Processed: %d (%.f obj/sec); Failed: %d; Gone: %d", st.Processed, float64(st.Processed)/dur.Seconds(), st.Failed, st.Gone)
	log.Infof("Lines: %d; Bytes: %d", st.Lines, st.Bytes)
	log.Infof("Duration: %s", dur.String())

	switch status {
	case statusOk:
		log.Infof("Ingest Done")
	case statusFailed:
		log.Error("Ingest Failed")
	case statusAborted:
		log.Warnf("Ingest Aborted")
	case statusConfError:
		log.Errorf("Ingest Configuration error")
	default:
		log.Warnf("Ingest Unknown status")
	}
}
