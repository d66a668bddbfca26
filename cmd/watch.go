package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/opero/internal/observability"
	"github.com/xkilldash9x/opero/internal/observer"
)

// newWatchCmd follows the stored run state from a separate process.
func newWatchCmd() *cobra.Command {
	var followLog bool
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Prints run progress as it is stored, until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			var logPath string
			if followLog {
				if logPath, err = observability.LogFilePath(cfg.Logger()); err != nil {
					return err
				}
				if logPath == "" {
					return errors.New("--follow-log needs logger.log_file to be set")
				}
			}

			logger := observability.GetLogger()
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			g, gctx := errgroup.WithContext(ctx)
			sinks := []observer.Sink{observer.NewConsole(cmd.OutOrStdout())}
			if addr := cfg.Observer().ListenAddr; addr != "" {
				hub := observer.NewHub(logger)
				sinks = append(sinks, hub)
				g.Go(func() error { return hub.Serve(gctx, addr) })
			}
			poller := observer.NewPoller(st, cfg.Observer().PollInterval, logger, sinks...)
			g.Go(func() error {
				poller.Run(gctx)
				return nil
			})

			if followLog {
				g.Go(func() error { return followFile(gctx, logPath, cmd.ErrOrStderr()) })
			}

			err = g.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	watchCmd.Flags().BoolVar(&followLog, "follow-log", false, "Also stream new lines of the log file to stderr")
	return watchCmd
}

// followFile copies lines appended to path into w until ctx is done.
func followFile(ctx context.Context, path string, w io.Writer) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(w, line.Text)
		}
	}
}
