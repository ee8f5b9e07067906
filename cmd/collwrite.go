package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/logging"
	"github.com/adfharrison1/collwrite/pkg/repl"
	"github.com/adfharrison1/collwrite/pkg/server"
	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "collwrite",
		Short: "collection write path server",
		Long: `collwrite serves a document collection write path over HTTP. Every
write is recorded in a pebble backed oplog, checkpointed periodically and
recovered on startup.`,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), oplogCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		port               string
		dataDir            string
		durability         string
		database           string
		checkpointInterval time.Duration
		retention          int
		logFormat          string
		verbose            bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP server",
		Example: `  collwrite serve                                # in memory, port 8080
  collwrite serve --data-dir /var/lib/collwrite   # persistent
  collwrite serve --durability full --checkpoint-interval 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ok := repl.ParseDurability(durability)
			if !ok {
				return errors.Newf("unknown durability %q (none, memory, os, full)", durability)
			}
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := logging.NewTextLogger(os.Stderr, level)
			if logFormat == "json" {
				logger = logging.NewJSONLogger(os.Stderr, level)
			}

			opts := []server.Option{
				server.WithDurability(d),
				server.WithDatabase(database),
				server.WithCheckpointInterval(checkpointInterval),
				server.WithCheckpointRetention(retention),
				server.WithLogger(logger),
			}
			if dataDir != "" {
				log.Printf("INFO: Using data directory: %s", dataDir)
				opts = append(opts, server.WithDataDir(dataDir))
			} else {
				log.Printf("WARN: No data directory - data is kept in memory only")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.Open(ctx, opts...)
			if err != nil {
				return err
			}
			res := srv.Recovered()
			if dataDir != "" {
				log.Printf("INFO: Recovered %d collections, %d records, replayed %d oplog entries in %s",
					res.Collections, res.Records, res.Replayed, res.Duration)
			}
			log.Printf("API endpoints available at http://localhost:%s", port)

			serveErr := srv.Run(ctx, ":"+port)
			closeErr := srv.Close()
			log.Println("Server exited")
			return errors.CombineErrors(serveErr, closeErr)
		},
	}
	cmd.Flags().StringVar(&port, "port", "8080", "server port")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the oplog and checkpoints; empty keeps data in memory")
	cmd.Flags().StringVar(&durability, "durability", "os", "oplog commit durability: none, memory, os or full")
	cmd.Flags().StringVar(&database, "database", "app", "database that collection routes resolve in")
	cmd.Flags().DurationVar(&checkpointInterval, "checkpoint-interval", time.Minute, "how often to checkpoint")
	cmd.Flags().IntVar(&retention, "checkpoint-retention", 2, "number of checkpoint files to keep")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "engine log format: text or json")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func oplogCmd() *cobra.Command {
	var (
		after string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "oplog <data-dir>",
		Short: "print the oplog of a stopped server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var from domain.Timestamp
			if after != "" {
				ts, err := domain.ParseTimestamp(after)
				if err != nil {
					return err
				}
				from = ts
			}
			store, err := repl.OpenOplogStore(filepath.Join(args[0], "oplog"))
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := dumpOplog(cmd.OutOrStdout(), store, from, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries, last %s\n", n, store.LastTimestamp())
			return nil
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "only entries after this secs.inc timestamp")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to print; 0 prints all")
	return cmd
}

const maxPayloadWidth = 60

var errLimit = errors.New("limit reached")

// dumpOplog renders the entries after ts as a table and returns how many it
// printed.
func dumpOplog(w io.Writer, store *repl.OplogStore, after domain.Timestamp, limit int) (int, error) {
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Ts", "T", "Op", "NS", "Rid", "O", "O2"})
	tbl.SetAutoWrapText(false)

	n := 0
	err := store.Entries(after, func(e *repl.Entry) error {
		if limit > 0 && n == limit {
			return errLimit
		}
		rid := ""
		if id, err := e.RecordId.RecordId(); err == nil && !id.IsNull() {
			rid = id.String()
		}
		tbl.Append([]string{
			e.Ts.String(),
			fmt.Sprintf("%d", e.Term),
			string(e.Op),
			e.NS,
			rid,
			payload(e.O),
			payload(e.O2),
		})
		n++
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return n, err
	}
	tbl.Render()
	return n, nil
}

func payload(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	out, err := bson.MarshalExtJSON(bson.Raw(data), false, false)
	if err != nil {
		return fmt.Sprintf("<%d bytes>", len(data))
	}
	if len(out) > maxPayloadWidth {
		return string(out[:maxPayloadWidth-3]) + "..."
	}
	return string(out)
}
