package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/company-detail/internal/model"
)

var (
	csvrunCSV         string
	csvrunLimit       int
	csvrunConcurrency int
	csvrunDryRun      bool
	csvrunOutput      string
	csvrunSchema      string
	csvrunSession     string
)

var csvrunCmd = &cobra.Command{
	Use:   "csvrun",
	Short: "Run extraction for every company in a CSV",
	Long: `Reads a CSV of companies and runs the extraction pipeline for each row
concurrently. The CSV must have a header row with a "url" column; "name" and
"company_id" columns are used when present.

All runs in a batch share one session id so their traces can be correlated.
Results are written as JSON lines, one terminal run per row.

Examples:
  # Parse the CSV and print the requests without running anything
  company-detail csvrun --csv companies.csv --dry-run

  # Extract the first 10 companies, 5 at a time
  company-detail csvrun --csv companies.csv --limit 10 --output results.jsonl`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sessionID := csvrunSession
		if sessionID == "" {
			sessionID = "company-detail-" + uuid.NewString()
		}

		requests, err := parseCompaniesCSV(csvrunCSV, csvrunSchema, sessionID)
		if err != nil {
			return eris.Wrap(err, "csvrun: parse csv")
		}
		zap.L().Info("parsed csv",
			zap.Int("companies", len(requests)),
			zap.String("session_id", sessionID),
		)

		if csvrunLimit > 0 && csvrunLimit < len(requests) {
			requests = requests[:csvrunLimit]
		}

		if csvrunDryRun {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(requests)
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return eris.Wrap(err, "csvrun: init pipeline")
		}
		defer env.Close()

		out := os.Stdout
		if csvrunOutput != "" {
			f, err := os.Create(csvrunOutput)
			if err != nil {
				return eris.Wrap(err, "csvrun: create output file")
			}
			defer f.Close()
			out = f
		}

		concurrency := csvrunConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Batch.MaxConcurrentCompanies
		}

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)

		var mu sync.Mutex
		enc := json.NewEncoder(out)
		var succeeded, failed atomic.Int64

		for i, req := range requests {
			g.Go(func() error {
				zap.L().Info("extracting company",
					zap.Int("index", i+1),
					zap.Int("total", len(requests)),
					zap.String("company_id", req.CompanyID),
					zap.String("url", req.SourceURL),
				)

				run, runErr := env.Pipeline.Extract(gCtx, req)
				if runErr != nil {
					// Individual failures don't abort the batch; the terminal
					// run still carries the failure detail.
					failed.Add(1)
				} else {
					succeeded.Add(1)
				}
				if run == nil {
					return nil
				}

				mu.Lock()
				defer mu.Unlock()
				return enc.Encode(run)
			})
		}

		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "csvrun: write results")
		}

		zap.L().Info("batch complete",
			zap.Int("total", len(requests)),
			zap.Int64("succeeded", succeeded.Load()),
			zap.Int64("failed", failed.Load()),
			zap.String("session_id", sessionID),
		)
		return nil
	},
}

// parseCompaniesCSV reads the batch input file into extraction requests.
// Header names are matched case-insensitively; rows without a url are
// skipped.
func parseCompaniesCSV(path, schemaVersion, sessionID string) ([]model.ExtractionRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read header")
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	urlCol, ok := cols["url"]
	if !ok {
		return nil, eris.New(`csv is missing a "url" column`)
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var requests []model.ExtractionRequest
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "read row")
		}
		url := strings.TrimSpace(row[urlCol])
		if url == "" {
			continue
		}
		companyID := field(row, "company_id")
		if companyID == "" {
			companyID = uuid.NewString()
		}
		requests = append(requests, model.ExtractionRequest{
			CompanyID:     companyID,
			CompanyName:   field(row, "name"),
			SourceURL:     url,
			SchemaVersion: schemaVersion,
			SessionID:     sessionID,
		})
	}
	return requests, nil
}

func init() {
	csvrunCmd.Flags().StringVar(&csvrunCSV, "csv", "", "input CSV path (required)")
	csvrunCmd.Flags().IntVar(&csvrunLimit, "limit", 0, "process at most N rows (0 = all)")
	csvrunCmd.Flags().IntVar(&csvrunConcurrency, "concurrency", 0, "concurrent extractions (default from config)")
	csvrunCmd.Flags().BoolVar(&csvrunDryRun, "dry-run", false, "parse the CSV and print requests without running")
	csvrunCmd.Flags().StringVar(&csvrunOutput, "output", "", "write JSONL results to this file instead of stdout")
	csvrunCmd.Flags().StringVar(&csvrunSchema, "schema", "", "schema version for all rows (default from config)")
	csvrunCmd.Flags().StringVar(&csvrunSession, "session", "", "session id (default: generated per batch)")
	_ = csvrunCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(csvrunCmd)
}
