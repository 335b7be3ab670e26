// Package cli implements the command-line interface for logscan.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/logscan/internal/runlock"
	"github.com/eunmann/logscan/internal/server"
	"github.com/eunmann/logscan/pkg/export"
	"github.com/eunmann/logscan/pkg/fileutil"
	"github.com/eunmann/logscan/pkg/job"
	"github.com/eunmann/logscan/pkg/logging"
	"github.com/eunmann/logscan/pkg/s3fetch"
	"github.com/eunmann/logscan/pkg/source"
	"github.com/eunmann/logscan/pkg/store"
)

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	return RunContext(context.Background(), args, os.Stdout)
}

// RunContext executes the CLI, writing command output to out. SIGINT and
// SIGTERM cancel ctx.
func RunContext(ctx context.Context, args []string, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// app carries the loaded configuration to subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     Config
	out     io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: newViper(), out: out}

	root := &cobra.Command{
		Use:           "logscan",
		Short:         "Resumable log ingestion and aggregation",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `logscan ingests gzip-compressed JSON log files from a local directory
tree or from hourly customer folders in an object store, keeps per-class,
per-service, and per-hour counters in SQLite, and resumes interrupted jobs
from the files already committed.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logging.Init(logging.Options{Debug: cfg.Log.Debug, Human: cfg.Log.Human})
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default: ./logscan.yaml)")
	flags.String("db", "", "path to the SQLite database")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("human", false, "human-readable console logs")
	cobra.CheckErr(a.v.BindPFlag("db.path", flags.Lookup("db")))
	cobra.CheckErr(a.v.BindPFlag("log.debug", flags.Lookup("debug")))
	cobra.CheckErr(a.v.BindPFlag("log.human", flags.Lookup("human")))

	root.AddCommand(a.serveCmd(), a.ingestCmd(), a.exportCmd(), a.jobsCmd())
	return root
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and resume interrupted jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8000)")
	cobra.CheckErr(a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	client, err := s3fetch.NewClient(ctx, a.cfg.s3Options())
	if err != nil {
		return err
	}
	return a.withRegistry(ctx, client, func(reg *job.Registry) error {
		if err := reg.Rehydrate(ctx); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.New(reg, a.cfg.Server.Addr).Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			log := logging.WithPhase("serve")
			log.Info().Msg("shutting down")
			reg.Close()
			return nil
		})
		return g.Wait()
	})
}

func (a *app) ingestCmd() *cobra.Command {
	var d source.Descriptor
	cmd := &cobra.Command{
		Use:   "ingest [folder_path]",
		Short: "Run one job to completion in the foreground",
		Example: `  logscan ingest /data/logs
  logscan ingest --customer acme --start 20240101-00 --end 20240101-23`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				d.FolderPath = args[0]
			}
			return a.ingest(cmd.Context(), d)
		},
	}
	cmd.Flags().StringVar(&d.CustomerFolder, "customer", "", "customer folder in the bucket")
	cmd.Flags().StringVar(&d.StartDatetime, "start", "", "first hour, YYYYMMDD-HH")
	cmd.Flags().StringVar(&d.EndDatetime, "end", "", "last hour, YYYYMMDD-HH")
	return cmd
}

func (a *app) ingest(ctx context.Context, d source.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var client *s3fetch.Client
	if d.Kind() == source.KindBucket {
		c, err := s3fetch.NewClient(ctx, a.cfg.s3Options())
		if err != nil {
			return err
		}
		client = c
	}

	return a.withRegistry(ctx, client, func(reg *job.Registry) error {
		snap, err := reg.Start(ctx, d)
		if err != nil {
			return err
		}

		done := make(chan struct{})
		go func() {
			reg.Wait(snap.ID)
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			// Closing leaves the job RUNNING; the next serve resumes it.
			reg.Close()
			<-done
			return ctx.Err()
		}

		snap, err = reg.Status(ctx, snap.ID)
		if err != nil {
			return err
		}
		if err := a.printJSON(snap); err != nil {
			return err
		}
		if snap.Status == store.StatusError {
			return fmt.Errorf("job %s failed: %s", snap.ID, snap.Error)
		}
		return nil
	})
}

func (a *app) exportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export JOB_ID",
		Short: "Write the raw rows of a job to a Parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				outPath = args[0] + ".parquet"
			}
			return a.export(cmd.Context(), args[0], outPath)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default: JOB_ID.parquet)")
	return cmd
}

func (a *app) export(ctx context.Context, jobID, outPath string) error {
	st, err := store.Open(a.cfg.storeConfig())
	if err != nil {
		return err
	}
	defer st.Close()

	// Leftovers of an export killed before its rename.
	if dir := filepath.Dir(outPath); fileutil.Exists(dir) {
		if err := fileutil.CleanupTmpFiles(dir); err != nil {
			return err
		}
	}

	res, err := export.Parquet(ctx, st, jobID, outPath)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]any{
		"job_id":      jobID,
		"path":        outPath,
		"rows":        res.Rows,
		"bytes":       res.Bytes,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

func (a *app) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and delete stored jobs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored jobs, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStore(func(st *store.Store) error {
					jobs, err := st.ListJobs(cmd.Context())
					if err != nil {
						return err
					}
					return a.printJSON(jobs)
				})
			},
		},
		&cobra.Command{
			Use:   "summary JOB_ID DIMENSION",
			Short: "Print the counters of one dimension (class, service, timeline, class_service)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				dim, err := store.ParseDimension(args[1])
				if err != nil {
					return err
				}
				return a.withStore(func(st *store.Store) error {
					if _, err := st.GetJob(cmd.Context(), args[0]); err != nil {
						return err
					}
					rows, err := st.Summary(cmd.Context(), args[0], dim)
					if err != nil {
						return err
					}
					cols := dim.Columns()
					out := make([]map[string]any, len(rows))
					for i, r := range rows {
						out[i] = map[string]any{cols[0]: r.A, cols[1]: r.B, "count": r.Count}
					}
					return a.printJSON(out)
				})
			},
		},
		&cobra.Command{
			Use:   "delete JOB_ID",
			Short: "Delete a job and everything it stored",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				lock, err := runlock.Acquire(a.cfg.DB.Path)
				if err != nil {
					return lockError(a.cfg.DB.Path, err)
				}
				defer lock.Release()
				return a.withStore(func(st *store.Store) error {
					return st.DeleteJob(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

// withStore opens the store for read-mostly commands that do not run jobs.
func (a *app) withStore(fn func(st *store.Store) error) error {
	st, err := store.Open(a.cfg.storeConfig())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

// withRegistry takes the database run lock, opens the store, and builds a
// registry for commands that ingest.
func (a *app) withRegistry(ctx context.Context, client *s3fetch.Client, fn func(reg *job.Registry) error) error {
	lock, err := runlock.Acquire(a.cfg.DB.Path)
	if err != nil {
		return lockError(a.cfg.DB.Path, err)
	}
	defer lock.Release()

	st, err := store.Open(a.cfg.storeConfig())
	if err != nil {
		return err
	}
	defer st.Close()

	log := logging.WithPhase("startup")
	if n, err := st.CleanupStages(); err != nil {
		return err
	} else if n > 0 {
		log.Warn().Int("files", n).Msg("removed scratch files of an interrupted run")
	}

	reg, err := job.New(st, a.cfg.jobConfig(client))
	if err != nil {
		return err
	}
	defer reg.Close()

	log.Info().
		Str("db", a.cfg.DB.Path).
		Str("bucket", a.cfg.Bucket.Name).
		Int("batch_size", a.cfg.Ingest.BatchSize).
		Msg("registry ready")
	return fn(reg)
}

func lockError(dbPath string, err error) error {
	if !errors.Is(err, runlock.ErrLocked) {
		return err
	}
	owner, oerr := runlock.ReadOwner(dbPath)
	if oerr != nil {
		return err
	}
	return fmt.Errorf("%w (pid %d on %s since %s)", err, owner.PID, owner.Hostname, owner.CreatedAt)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
