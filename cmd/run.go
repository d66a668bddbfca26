package cmd

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/agent"
	"github.com/xkilldash9x/opero/internal/config"
	"github.com/xkilldash9x/opero/internal/observability"
	"github.com/xkilldash9x/opero/internal/observer"
)

// Resume files larger than this are refused.
const maxResumeSize = 10 << 20

type runOptions struct {
	mode        string
	payloadPath string
	resumePath  string
	tabID       string
	replace     bool
	resume      bool
	headless    bool
	ephemeral   bool
}

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var opts runOptions
	runCmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Starts a run in the browser and follows it until it ends",
		Long: `Starts a run toward the given task in the active browser tab (or --tab)
and prints each step as it completes. With --continue, picks up the run that
was active when opero last stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(opts.headless)
			}
			if opts.ephemeral {
				cfg.SetStoreBackend(config.StoreBackendMemory)
			}

			var req agent.StartRequest
			if !opts.resume {
				if req, err = buildStartRequest(args, opts); err != nil {
					return err
				}
			} else if len(args) > 0 {
				return errors.New("--continue does not take a prompt")
			}

			return runAgent(ctx, cfg, req, opts.resume, observer.NewConsole(cmd.OutOrStdout()))
		},
	}

	runCmd.Flags().StringVarP(&opts.mode, "mode", "m", string(schemas.ModeDefault), "Agent mode (default, social_media, job_application)")
	runCmd.Flags().StringVar(&opts.payloadPath, "payload", "", "JSON file with job application data")
	runCmd.Flags().StringVar(&opts.resumePath, "resume", "", "Resume file to attach to the job application data")
	runCmd.Flags().StringVar(&opts.tabID, "tab", "", "Target tab id (defaults to the active tab)")
	runCmd.Flags().BoolVar(&opts.replace, "replace", false, "Reset an active run instead of refusing to start")
	runCmd.Flags().BoolVar(&opts.resume, "continue", false, "Continue the run left active by a previous process")
	runCmd.Flags().BoolVar(&opts.headless, "headless", false, "Run the browser headless. (Overrides config/env)")
	runCmd.Flags().BoolVar(&opts.ephemeral, "ephemeral", false, "Keep run state in memory only")
	return runCmd
}

// buildStartRequest turns arguments and flags into a StartRequest.
func buildStartRequest(args []string, opts runOptions) (agent.StartRequest, error) {
	mode, err := schemas.ParseMode(opts.mode)
	if err != nil {
		return agent.StartRequest{}, err
	}
	req := agent.StartRequest{
		Prompt:  strings.TrimSpace(strings.Join(args, " ")),
		Mode:    mode,
		TabID:   schemas.TabID(opts.tabID),
		Replace: opts.replace,
	}
	if req.Prompt == "" {
		return agent.StartRequest{}, agent.ErrEmptyPrompt
	}

	if opts.payloadPath != "" {
		if req.Payload, err = loadPayload(opts.payloadPath); err != nil {
			return agent.StartRequest{}, err
		}
	}
	if opts.resumePath != "" {
		if req.Payload == nil {
			return agent.StartRequest{}, errors.New("--resume requires --payload")
		}
		if err := attachResume(req.Payload, opts.resumePath); err != nil {
			return agent.StartRequest{}, err
		}
	}
	return req, nil
}

// loadPayload reads job application data from a JSON file.
func loadPayload(path string) (*schemas.JobApplicationData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload file: %w", err)
	}
	var data schemas.JobApplicationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse payload file %s: %w", path, err)
	}
	return &data, nil
}

// attachResume embeds the file at path into data as a data URL.
func attachResume(data *schemas.JobApplicationData, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to read resume file: %w", err)
	}
	if info.Size() > maxResumeSize {
		return fmt.Errorf("resume file %s is larger than %d bytes", path, maxResumeSize)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read resume file: %w", err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(raw)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}

	data.ResumeFile = schemas.EncodeDataURL(mimeType, raw)
	data.ResumeFileName = filepath.Base(path)
	data.ResumeFileType = mimeType
	return nil
}

// runAgent wires the components, starts or resumes a run and blocks until it ends.
func runAgent(ctx context.Context, cfg *config.Config, req agent.StartRequest, resume bool, console *observer.Console) error {
	logger := observability.GetLogger()

	comps, err := initializeComponents(ctx, cfg, logger)
	defer comps.Shutdown()
	if err != nil {
		return err
	}

	// A new run must not replay the previous run's steps.
	prev, err := comps.Store.Get(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	sinks := []observer.Sink{console}
	if addr := cfg.Observer().ListenAddr; addr != "" {
		hub := observer.NewHub(logger)
		sinks = append(sinks, hub)
		g.Go(func() error { return hub.Serve(gctx, addr) })
	}
	poller := observer.NewPoller(comps.Store, cfg.Observer().PollInterval, logger, sinks...)
	if !resume {
		poller.Seed(prev)
	}

	g.Go(func() error { return comps.Coordinator.Run(gctx) })
	g.Go(func() error {
		// Ends the group once the run is over.
		defer cancel()
		stopPolling := poller.Start(gctx)
		err := drive(gctx, comps.Coordinator, req, resume, logger)
		stopPolling()
		if err == nil {
			poller.Poll(ctx)
		}
		return err
	})

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Warn("Interrupted. The run stays active; continue it with `opero run --continue`.")
		return ctx.Err()
	}
	return err
}

func drive(ctx context.Context, coord *agent.Coordinator, req agent.StartRequest, resume bool, logger *zap.Logger) error {
	if resume {
		if err := coord.Resume(ctx); err != nil {
			return fmt.Errorf("failed to resume run: %w", err)
		}
	} else {
		state, err := coord.Start(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to start run: %w", err)
		}
		logger.Info("Run started",
			zap.String("run_id", state.RunID),
			zap.String("tab_id", state.TabID.String()),
			zap.String("mode", state.Mode.String()),
		)
	}
	return coord.WaitIdle(ctx)
}
