package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints opportunity counts per status and the most recent deliveries.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show deliveries")
	}
	if closeStore != nil {
		defer closeStore()
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	records, err := store.ListRecentDeliveries(ctx, opts.Limit)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	fmt.Fprintln(writer, "Status\tOpportunities")
	for _, s := range statuses {
		fmt.Fprintf(writer, "%s\t%d\n", s, counts[s])
	}
	fmt.Fprintln(writer)

	if len(records) == 0 {
		fmt.Fprintln(writer, "no deliveries found")
		return writer.Flush()
	}

	fmt.Fprintln(writer, "Time (UTC)\tOpportunity\tUser\tStatus\tError")
	for _, r := range records {
		errMsg := ""
		if r.Error != nil {
			errMsg = sanitizeInline(*r.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.OpportunityID,
			r.UserID,
			r.Status,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
