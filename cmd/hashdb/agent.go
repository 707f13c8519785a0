package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gostonefire/hashdb"
	"github.com/gostonefire/hashdb/internal/agent"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	agentCmd = &cobra.Command{
		Use:   "agent",
		Short: "Serves database requests read from stdin, one result per line on stdout",
		Long: `agent reads requests such as "transaction <path>" or
"store <path> <key> <data>" from stdin and answers each with
1 (success), 0 (the database stayed locked) or a negative
error code. It is used to drive a database from many
processes at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return agent.Serve(ctx, os.Stdin, os.Stdout, agent.Options{
				Timeout: viper.GetDuration("timeout"),
				Logger:  logger,
				DB:      openOptions(logger),
			})
		},
	}

	agentStressCmd = &cobra.Command{
		Use:   "agent-stress [path]",
		Short: "Runs transactions from many agent processes against one database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			self, err := os.Executable()
			if err != nil {
				return err
			}

			// The database must exist before the agents open it
			db, err := hashdb.Open(path, hashdb.Options{Create: true, Logger: logger})
			if err != nil {
				return err
			}
			if err = db.Close(); err != nil {
				return err
			}

			var success, contention atomic.Int64
			rounds := viper.GetInt("rounds")

			g, ctx := errgroup.WithContext(cmd.Context())
			for n := 0; n < viper.GetInt("agents"); n++ {
				g.Go(func() (err error) {
					child := exec.CommandContext(ctx, self, "agent", "--timeout", viper.GetDuration("timeout").String(),
						"--log-level", viper.GetString("log-level"))
					child.Stderr = os.Stderr
					client, err := agent.NewClient(child)
					if err != nil {
						return
					}
					defer func() {
						if closeErr := client.Close(); err == nil {
							err = closeErr
						}
					}()

					for r := 0; r < rounds; r++ {
						op, opArgs := agent.Transaction, []string(nil)
						if r%2 == 1 {
							op, opArgs = agent.Store, []string{fmt.Sprintf("agent%d-round%d", n, r), "x"}
						}

						var res agent.Result
						if res, err = client.Do(op, path, opArgs...); err != nil {
							return
						}
						switch res {
						case agent.Success:
							success.Add(1)
						case agent.Contention:
							contention.Add(1)
						default:
							logger.Error("agent failed", zap.Int("agent", n), zap.Int("round", r), zap.Error(res.Err()))
							return fmt.Errorf("agent %d round %d: %w", n, r, res.Err())
						}
					}
					return
				})
			}
			if err = g.Wait(); err != nil {
				return err
			}

			fmt.Printf("%d succeeded, %d hit contention\n", success.Load(), contention.Load())

			return withDB(path, func(db *hashdb.HashDB) error {
				return db.Check(nil)
			})
		},
	}
)

func init() {
	agentCmd.Flags().Duration("timeout", 0, "how long to wait for a lock before reporting contention (default 1s)")
	agentCmd.Flags().Bool("create", false, "create databases that do not exist")

	agentStressCmd.Flags().Int("agents", 4, "number of agent processes")
	agentStressCmd.Flags().Int("rounds", 100, "requests per agent")
	agentStressCmd.Flags().Duration("timeout", 0, "lock wait of the agents (default 1s)")
}
