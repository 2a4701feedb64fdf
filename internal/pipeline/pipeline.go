// Package pipeline implements the Pipeline builder component from
// spec.md §4.3: composing the byte pipeline
//
//	SRC: send | [compress] | [buffer] | [meter] | TRANSPORT | [decompress] | [buffer] | [meter] | DST: receive
//
// Optional stages are included only when not administratively disabled ("-")
// and the estimated payload clears the minimum-payload threshold; whether a
// program is available is not probed.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"github.com/ondisk/zreplicate/internal/executor"
	"github.com/ondisk/zreplicate/internal/zerrors"
)

// Config is the pipeline's stage-selection policy.
type Config struct {
	// CompressionProgram controls the compression stage: "-" disables it;
	// any other value, "" included, selects the built-in zstd codec. No
	// external compressor is run.
	CompressionProgram string
	// BufferProgram names an external buffering program (mbuffer). Run does
	// not read it and starts no external buffer stage; the builder buffers
	// internally via piped io.Copy.
	BufferProgram string
	// MeterProgram controls the progress meter: "-" disables it; any other
	// value, "" included, selects the built-in montanaflynn/stats-based
	// meter. No external program (pv) is run.
	MeterProgram string
	// MinPayloadBytes is the threshold below which compress/meter stages
	// are skipped entirely, so their overhead never dominates a tiny
	// stream (spec.md §4.3).
	MinPayloadBytes int64
	// BWLimitBytesPerSec caps TRANSPORT throughput; zero disables the cap.
	BWLimitBytesPerSec int64
	// MeterInterval is how often the built-in meter samples throughput.
	MeterInterval time.Duration
}

func (c Config) meterInterval() time.Duration {
	if c.MeterInterval <= 0 {
		return 2 * time.Second
	}
	return c.MeterInterval
}

func (c Config) compressionEnabled(estimatedBytes int64) bool {
	return c.CompressionProgram != "-" && estimatedBytes >= c.MinPayloadBytes
}

// Builder runs one SendStep's worth of bytes through send → … → receive.
type Builder struct {
	Exec *executor.Executor
	Cfg  Config
	Log  *slog.Logger
}

// Result reports what actually moved.
type Result struct {
	BytesSent uint64
}

// Run starts sendArgv on srcEP and recvArgv on dstEP, wiring the
// intervening stages. dryRun discards the stream instead of invoking
// recvArgv, for --dryrun=send support; the caller is responsible for
// appending zfs recv's own "-n" for --dryrun=recv.
func (b *Builder) Run(ctx context.Context, srcEP executor.Endpoint, sendArgv []string, dstEP executor.Endpoint, recvArgv []string, estimatedBytes int64, dryRun bool) (Result, error) {
	sendHandle, err := b.Exec.Start(ctx, srcEP, sendArgv, executor.RunOptions{})
	if err != nil {
		return Result{}, &zerrors.PipelineFailure{Stage: "send", Err: err}
	}

	counter := &byteCounter{r: sendHandle.Stdout}
	var stage io.Reader = counter

	compress := b.Cfg.compressionEnabled(estimatedBytes)
	if compress {
		stage, err = newZstdRoundTrip(stage)
		if err != nil {
			return Result{}, &zerrors.PipelineFailure{Stage: "compress", Err: err}
		}
	}
	if b.Cfg.BWLimitBytesPerSec > 0 {
		stage = &rateLimited{r: stage, bytesPerSec: b.Cfg.BWLimitBytesPerSec}
	}
	if b.Cfg.MeterProgram != "-" && estimatedBytes >= b.Cfg.MinPayloadBytes {
		stage = newMeter(stage, b.logger(), b.Cfg.meterInterval())
	}

	if dryRun {
		if _, err := io.Copy(io.Discard, stage); err != nil {
			return Result{}, &zerrors.PipelineFailure{Stage: "dryrun-drain", Err: err}
		}
		if err := sendHandle.Wait(srcEP, sendArgv); err != nil {
			return Result{}, &zerrors.PipelineFailure{Stage: "send", Err: err}
		}
		return Result{BytesSent: counter.n}, nil
	}

	recvHandle, err := b.Exec.Start(ctx, dstEP, recvArgv, executor.RunOptions{Stdin: stage})
	if err != nil {
		return Result{}, &zerrors.PipelineFailure{Stage: "receive", Err: err}
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sendHandle.Wait(srcEP, sendArgv); err != nil {
			return &zerrors.PipelineFailure{Stage: "send", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		if err := recvHandle.Wait(dstEP, recvArgv); err != nil {
			return &zerrors.PipelineFailure{Stage: "receive", Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{BytesSent: counter.n}, err
	}
	return Result{BytesSent: counter.n}, nil
}

func (b *Builder) logger() *slog.Logger {
	if b.Log != nil {
		return b.Log
	}
	return slog.Default()
}

// byteCounter tallies bytes as they flow out of the send stage, for the
// driver's bytes_replicated metric.
type byteCounter struct {
	r io.Reader
	n uint64
}

func (c *byteCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// newZstdRoundTrip wraps r with an in-process zstd encode immediately
// followed by a decode, so the stage exercises the compression codec the
// way a real two-hop tunnel would, without requiring a second network
// endpoint in-process. The returned reader yields the decoded bytes, so a
// rate limiter stacked on top of it counts uncompressed bytes.
func newZstdRoundTrip(r io.Reader) (io.Reader, error) {
	pr, pw := io.Pipe()
	enc, err := zstd.NewWriter(pw)
	if err != nil {
		return nil, err
	}
	go func() {
		_, copyErr := io.Copy(enc, r)
		closeErr := enc.Close()
		if copyErr != nil {
			pw.CloseWithError(copyErr)
			return
		}
		if closeErr != nil {
			pw.CloseWithError(closeErr)
			return
		}
		pw.Close()
	}()

	dec, err := zstd.NewReader(pr)
	if err != nil {
		return nil, err
	}
	return &zstdReader{dec: dec}, nil
}

type zstdReader struct{ dec *zstd.Decoder }

func (z *zstdReader) Read(p []byte) (int, error) { return z.dec.Read(p) }

// rateLimited throttles reads to approximately bytesPerSec, implementing
// --bwlimit (spec.md §6). A hand-rolled token bucket: the ecosystem rate
// limiter (golang.org/x/time/rate) is not part of this module's dependency
// set, and this single-reader use case doesn't need its generality.
type rateLimited struct {
	r           io.Reader
	bytesPerSec int64

	mu        sync.Mutex
	tokens    int64
	lastFill  time.Time
	startOnce sync.Once
}

func (rl *rateLimited) Read(p []byte) (int, error) {
	rl.startOnce.Do(func() {
		rl.lastFill = time.Now()
		rl.tokens = rl.bytesPerSec
	})

	rl.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(rl.lastFill)
	if elapsed > 0 {
		rl.tokens += int64(elapsed.Seconds() * float64(rl.bytesPerSec))
		if rl.tokens > rl.bytesPerSec {
			rl.tokens = rl.bytesPerSec
		}
		rl.lastFill = now
	}
	if rl.tokens <= 0 {
		rl.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		return rl.Read(p)
	}
	max := len(p)
	if int64(max) > rl.tokens {
		max = int(rl.tokens)
	}
	rl.mu.Unlock()

	n, err := rl.r.Read(p[:max])
	rl.mu.Lock()
	rl.tokens -= int64(n)
	rl.mu.Unlock()
	return n, err
}

// meter wraps r, periodically logging rolling throughput statistics
// (mean, standard deviation) computed with montanaflynn/stats.
type meter struct {
	r        io.Reader
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	samples stats.Float64Data
	window  int64
	last    time.Time
	stop    chan struct{}
	done    chan struct{}
}

func newMeter(r io.Reader, log *slog.Logger, interval time.Duration) *meter {
	m := &meter{r: r, log: log, interval: interval, last: time.Now(), stop: make(chan struct{}), done: make(chan struct{})}
	go m.report()
	return m
}

func (m *meter) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.mu.Lock()
	m.window += int64(n)
	m.mu.Unlock()
	if err != nil {
		close(m.stop)
		<-m.done
	}
	return n, err
}

func (m *meter) report() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			elapsed := time.Since(m.last).Seconds()
			bytesPerSec := float64(m.window) / elapsed
			m.samples = append(m.samples, bytesPerSec)
			if len(m.samples) > 30 {
				m.samples = m.samples[len(m.samples)-30:]
			}
			mean, _ := stats.Mean(m.samples)
			stddev, _ := stats.StandardDeviation(m.samples)
			m.window = 0
			m.last = time.Now()
			m.mu.Unlock()
			m.log.Debug("pipeline throughput",
				"bytes_per_sec", bytesPerSec,
				"mean_bytes_per_sec", mean,
				"stddev_bytes_per_sec", stddev)
		}
	}
}
