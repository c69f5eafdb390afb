// Command libasyncdemo drives a small streaming task chain from stdin, to
// exercise queue.ObservableQueue and task.RunStreaming end to end. Its
// shape — kingpin flags, an oklog/run.Group coordinating the producer with
// OS signal handling, structured slog logging, and container-aware
// runtime tuning at startup — is grounded on cli/silence_update.go
// (kingpin), tsdb/subscriber.go (run.Group), and the teacher's go.mod
// carrying go.uber.org/automaxprocs and github.com/KimMachineGun/
// automemlimit for the same GOMAXPROCS/GOMEMLIMIT autodetection.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kingpin/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/run"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/dailongchen/libasync/notify"
	"github.com/dailongchen/libasync/queue"
	"github.com/dailongchen/libasync/task"
)

var (
	app         = kingpin.New("libasyncdemo", "Feed lines from stdin through a libasync streaming task chain.")
	queueLimit  = app.Flag("queue-limit", "Soft capacity of the demo queue before producers back off.").Default("16").Int()
	upperCase   = app.Flag("upper", "Upper-case each line before printing it.").Bool()
	simulateErr = app.Flag("fail-every", "Raise a stage exception every N lines (0 disables).").Default("0").Int()
)

// notifyLineLength is published from the chain's processing stage and
// consumed by a handler bound only for the lifetime of this run.
type notifyLineLength int

// fetchUpstream stands in for an unreliable enrichment call the producer
// makes before handing a line to the queue: it fails the first len(line)%3
// attempts for that line, then succeeds, so backoff.Retry's retry loop is
// genuinely exercised rather than wrapping a call that can never fail.
func fetchUpstream(line string) func() error {
	failuresRemaining := len(line) % 3
	return func() error {
		if failuresRemaining > 0 {
			failuresRemaining--
			return fmt.Errorf("upstream temporarily unavailable for %q", line)
		}
		return nil
	}
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("run_id", uuid.NewString())

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("automaxprocs: failed to set GOMAXPROCS", "err", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(logger)); err != nil {
		logger.Warn("automemlimit: failed to set GOMEMLIMIT", "err", err)
	}

	q := queue.New(
		queue.WithLimitation[string](*queueLimit),
		queue.WithName[string]("libasyncdemo"),
		queue.WithOnCompleted[string](func() {
			logger.Info("queue released")
		}),
	)

	lineCount := 0
	root := queue.ReceiveOne(queue.Observe(q), func(line string) string {
		if *upperCase {
			line = strings.ToUpper(line)
		}
		return line
	})

	chain := task.Get(root, func(line string) string {
		lineCount++
		notify.Publish(notifyLineLength(len(line)))

		if *simulateErr > 0 && lineCount%*simulateErr == 0 {
			panic(fmt.Errorf("simulated failure on line %d", lineCount))
		}

		fmt.Println(line)
		return line
	})

	chain = task.Notified(chain, func(n notifyLineLength) {
		logger.Debug("line processed", "chars", int(n))
	})
	chain.OnException(func(err error) {
		logger.Warn("stage failed", "err", err)
	}).OnBegin(func() {
		logger.Info("demo chain starting")
	}).OnEnd(func() {
		logger.Info("demo chain stopped", "lines", lineCount)
	})

	handle := chain.RunStreaming()

	producerCtx, cancelProducer := context.WithCancel(context.Background())

	var g run.Group

	g.Add(func() error {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()

			bo := backoff.WithContext(backoff.NewExponentialBackOff(), producerCtx)
			if err := backoff.Retry(fetchUpstream(line), bo); err != nil {
				logger.Warn("dropping line after retries", "err", err)
				continue
			}

			q.PushOne(line)

			select {
			case <-producerCtx.Done():
				return producerCtx.Err()
			default:
			}
		}
		q.Close()
		return scanner.Err()
	}, func(error) {
		cancelProducer()
	})

	g.Add(func() error {
		handle.Join()
		return nil
	}, func(error) {
		handle.Cancel()
	})

	g.Add(run.SignalHandler(producerCtx, os.Interrupt, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		logger.Debug("demo actor group exited", "err", err)
	}

	q.Release()
}
