package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/funding-intake/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

// readJSONFile decodes path into v; "-" reads stdin.
func readJSONFile(path string, v any) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return eris.Wrapf(err, "decode %s", path)
	}
	return nil
}

func formatSources(w io.Writer, srcs []model.SourceRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tCLASS\tEXT\tUPDATED")
	for _, s := range srcs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID,
			truncate(s.Submission.Name, 40),
			s.State,
			s.Classification,
			s.Extensions,
			s.UpdatedAt.Format(time.DateTime),
		)
	}
	_ = tw.Flush()
}

func formatReviews(w io.Writer, items []model.ReviewItem) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSUBJECT\tPRIORITY\tSTATUS\tREASON")
	for _, r := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID,
			r.Kind,
			r.SubjectID,
			r.Priority,
			r.Status,
			truncate(r.Reason, 60),
		)
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
