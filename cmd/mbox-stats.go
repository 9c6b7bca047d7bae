package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-to-md/errlog"
	"github.com/dhcgn/mbox-to-md/filter"
	"github.com/dhcgn/mbox-to-md/manifest"
	"github.com/dhcgn/mbox-to-md/mbox"
	"github.com/dhcgn/mbox-to-md/model"
	"github.com/dhcgn/mbox-to-md/naming"
	"github.com/dhcgn/mbox-to-md/stats"
)

// Report categories, in print order.
const (
	CategoryFrom           = "From"
	CategoryTo             = "To"
	CategorySubject        = "Subject"
	CategorySender         = "Sender Directory"
	CategoryCharset        = "Charset"
	CategoryAttachmentType = "Attachment Type"
)

var categories = []string{
	CategoryFrom,
	CategoryTo,
	CategorySubject,
	CategorySender,
	CategoryCharset,
	CategoryAttachmentType,
}

type statsOptions struct {
	reportDir     string
	topN          int
	csvLimit      int
	indexDB       string
	includeHeader []string
	includeBody   []string
	excludeHeader []string
	excludeBody   []string
}

// Report is the result of scanning an archive.
type Report struct {
	Messages    int
	Skipped     int
	Bytes       int64
	Attachments int
	// Indexed is set when the report was checked against an index;
	// Converted then counts messages some earlier run already converted.
	Indexed   bool
	Converted int
	Counts    map[string]map[string]int
	Filter    filter.Stats
}

// History looks up earlier conversions of a message by its hash.
type History interface {
	ByHash(ctx context.Context, hash string) ([]manifest.Record, error)
}

// NewMboxStatsCommand returns the `mbox-stats` subcommand.
func NewMboxStatsCommand() *cobra.Command {
	opts := &statsOptions{}

	cmd := &cobra.Command{
		Use:   "mbox-stats [mbox file]",
		Short: "Analyse the mbox file and show what a conversion would produce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			mboxPath := args[0]
			fmt.Fprintln(out, "Analyzing mbox file:", mboxPath)

			f, err := filter.New(filter.Options{
				IncludeHeader: opts.includeHeader,
				IncludeBody:   opts.includeBody,
				ExcludeHeader: opts.excludeHeader,
				ExcludeBody:   opts.excludeBody,
			})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			var history History
			if opts.indexDB != "" {
				idx, err := manifest.OpenIndex(cmd.Context(), opts.indexDB)
				if err != nil {
					return fmt.Errorf("open index: %w", err)
				}
				defer idx.Close()
				history = idx
			}

			report, err := Analyze(cmd.Context(), mboxPath, f, history)
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}

			PrintReport(out, report, opts.topN)

			if err := SaveCSVReports(report.Counts, opts.reportDir, opts.csvLimit); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", opts.reportDir)

			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display in statistics")
	cmd.Flags().IntVar(&opts.csvLimit, "csv-limit", 1000, "Maximum rows per CSV report")
	cmd.Flags().StringVar(&opts.indexDB, "index-db", "", "SQLite index written by earlier runs; reports how many messages were already converted")
	cmd.Flags().StringArrayVar(&opts.includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&opts.includeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&opts.excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	cmd.Flags().StringArrayVar(&opts.excludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return cmd
}

// Analyze counts header values, sender directories, declared charsets and
// attachment media types over every message that passes f. history may be
// nil.
func Analyze(ctx context.Context, path string, f *filter.Filter, history History) (Report, error) {
	report := Report{Counts: make(map[string]map[string]int), Indexed: history != nil}
	for _, c := range categories {
		report.Counts[c] = make(map[string]int)
	}

	// Sender labels are derived exactly as in a conversion; their naming
	// complaints are irrelevant here.
	names := naming.NewSanitizer(&errlog.Recorder{})

	err := mbox.Read(path, func(msg model.Message) error {
		if !f.AllowsMessage(msg) {
			report.Skipped++
			return nil
		}

		report.Messages++
		report.Bytes += msg.Size
		count(report.Counts[CategoryFrom], msg.From)
		count(report.Counts[CategoryTo], msg.To)
		count(report.Counts[CategorySubject], msg.Subject)
		report.Counts[CategorySender][names.SenderLabel(msg.From)]++

		if history != nil {
			records, err := history.ByHash(ctx, msg.Hash)
			if err != nil {
				return fmt.Errorf("message %d: %w", msg.Index, err)
			}
			if len(records) > 0 {
				report.Converted++
			}
		}

		for _, part := range msg.Parts {
			if part.IsMultipart() {
				continue
			}
			if strings.HasPrefix(part.MediaType, "text/") {
				label := part.Charset
				if label == "" {
					label = "(none)"
				}
				report.Counts[CategoryCharset][label]++
			}
			if part.HasDisposition && part.Filename != "" {
				report.Attachments++
				report.Counts[CategoryAttachmentType][part.MediaType]++
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	report.Filter = f.GetStats()
	return report, nil
}

func count(m map[string]int, value *string) {
	if value == nil || *value == "" {
		return
	}
	m[*value]++
}

// PrintReport writes the summary, filter hits and the top entries of every
// category.
func PrintReport(w io.Writer, report Report, topN int) {
	total := report.Messages + report.Skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(report.Skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%), %s, %d attachments\n\n",
		report.Messages, report.Skipped, filterPercent, humanize.Bytes(uint64(report.Bytes)), report.Attachments)
	if report.Indexed {
		fmt.Fprintf(w, "Already converted: %d of %d\n\n", report.Converted, report.Messages)
	}

	if len(report.Filter.Hits) > 0 {
		fmt.Fprintln(w, "Filter hits:")
		for _, c := range stats.Top(report.Filter.Hits, 0) {
			fmt.Fprintf(w, "  %s: %d hits\n", c.Key, c.Value)
		}
		fmt.Fprintln(w, "---")
		fmt.Fprintln(w)
	}

	for _, category := range categories {
		fmt.Fprintf(w, "Top %d %s:\n", topN, category)
		stats.PrettyPrintTop(w, report.Counts[category], topN)
		fmt.Fprintln(w)
	}
}

// SaveCSVReports writes report_<category>.csv per category, at most limit
// rows each, most frequent first.
func SaveCSVReports(counts map[string]map[string]int, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeCategory(category)))
		if err := writeCSV(filePath, stats.Top(counts[category], limit)); err != nil {
			return fmt.Errorf("write %s: %w", filePath, err)
		}
	}

	return nil
}

func writeCSV(path string, rows []stats.Count) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.Key, strconv.Itoa(row.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeCategory(category string) string {
	name := strings.ToLower(category)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
