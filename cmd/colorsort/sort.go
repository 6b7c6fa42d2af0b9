package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/colorsort/pkg/logging"
	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/servo"
	"github.com/gwillem/colorsort/pkg/sorting"
	"github.com/gwillem/colorsort/pkg/vision"
)

type SortCommand struct {
	Sim       bool `long:"sim" description:"Sort a simulated table instead of the real rig"`
	NoTUI     bool `long:"no-tui" description:"Log to the terminal instead of showing the dashboard"`
	Passes    int  `long:"passes" description:"Stop after this many passes (0 = until a pass finds nothing)"`
	Terminate bool `long:"terminate" description:"End the agent session when done"`
}

func (c *SortCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.Passes > 0 {
		cfg.Sort.MaxPasses = c.Passes
	}

	var sink *logging.ChannelSink
	var logger *zap.Logger
	if c.NoTUI {
		logger, err = newLogger(cfg)
	} else {
		sink = logging.NewChannelSink(zapcore.InfoLevel, 64)
		logger, err = newLogger(cfg, logging.WithoutConsole(), logging.WithCore(sink))
	}
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		ag     robot.Agent
		camera vision.Camera
		finish func() error
	)
	if c.Sim {
		rig, err := startSim(ctx, cfg, logger)
		if err != nil {
			return err
		}
		ag, camera, finish = rig.client, rig.world, rig.stop
	} else {
		client, err := connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		ag = client
		camera = vision.NewSnapshotCamera(cfg.Vision.CameraURL, cfg.Vision.CameraTimeout)
		finish = client.Close
		if c.Terminate {
			finish = client.Terminate
		}
	}
	defer func() {
		if err := finish(); err != nil {
			logger.Warn("closing agent link", zap.Error(err))
		}
	}()

	sup := newSupervisor(cfg, ag, camera, logger)
	steps := make(chan servo.Step, 1)
	sup.servo.Observer = func(st servo.Step) {
		select {
		case steps <- st:
		default:
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan runResult, 1)
	go func() {
		sum, err := runSort(runCtx, sup)
		results <- runResult{summary: sum, err: err}
	}()

	var res runResult
	if c.NoTUI {
		res = <-results
	} else {
		m := newSortModel(sup.cycle, steps, sink.Lines(), results, cancel, cfg.Sort.Colors)
		final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
		if err != nil {
			cancel()
			<-results
			return fmt.Errorf("run dashboard: %w", err)
		}
		fm := final.(sortModel)
		if fm.result == nil {
			// the dashboard went away without the cycle finishing
			cancel()
			res = <-results
		} else {
			res = *fm.result
		}
	}

	printSummary(res)
	if res.err == nil || (errors.Is(res.err, context.Canceled) && !errors.Is(res.err, sorting.ErrNotParked)) {
		return nil
	}
	return res.err
}

type runResult struct {
	summary sorting.Summary
	err     error
}

// runSort runs the frame stream next to the sort cycle. The stream stops
// when the cycle returns; the cycle stops when the stream fails.
func runSort(ctx context.Context, sup *supervisor) (sorting.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sum sorting.Summary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.stream.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		var err error
		sum, err = sup.cycle.Run(gctx)
		return err
	})
	err := g.Wait()
	return sum, err
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func printSummary(res runResult) {
	sum := res.summary
	fmt.Println(headerStyle.Render(fmt.Sprintf("Sort run %s", sum.RunID)))
	fmt.Printf("  %d objects sorted in %d passes (%s)\n", sum.Total(), sum.Passes, sum.Duration.Round(100*time.Millisecond))
	for _, color := range slices.Sorted(maps.Keys(sum.Sorted)) {
		fmt.Printf("  %s %d\n", colorStyle(color).Render(fmt.Sprintf("%-8s", color)), sum.Sorted[color])
	}
	for _, f := range sum.Failures {
		fmt.Println(dimStyle.Render(fmt.Sprintf("  pass %d: ", f.Pass)) + errorStyle.Render(f.Error()))
	}
	switch {
	case res.err == nil:
		fmt.Println(successStyle.Render("✓ Table clear, rig parked"))
	case errors.Is(res.err, sorting.ErrNotParked):
		fmt.Println(errorStyle.Render("✗ Rig NOT parked: " + res.err.Error()))
	case errors.Is(res.err, context.Canceled):
		fmt.Println(dimStyle.Render("Stopped, rig parked"))
	default:
		fmt.Println(errorStyle.Render("✗ " + res.err.Error()))
	}
}
