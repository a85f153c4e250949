// Command arenasim drives a buffer arena through rounds of randomized mesh churn on a host device.
//
// Every round frees a random share of the live meshes, uploads a new batch sized by the staging
// buffer's throttle, flips the staging buffer, and then checks the arena's bookkeeping and the
// contents of every live mesh. At the end the arena, pool and staging statistics are printed as JSON.
//
// Usage: go run ./cmd/arenasim [flags]
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bufferarena/arena"
	"github.com/vkngwrapper/bufferarena/device/host"
	"github.com/vkngwrapper/bufferarena/memutils/metadata"
	"github.com/vkngwrapper/bufferarena/staging"
	"github.com/zeebo/xxh3"
)

var (
	stride          = flag.Uint("stride", 32, "Size of one vertex in bytes")
	initialCapacity = flag.Uint64("capacity", 1024, "Initial arena capacity in vertices")
	rounds          = flag.Int("rounds", 200, "Number of simulated frames")
	batchSize       = flag.Int("batch", 16, "Maximum number of meshes uploaded per frame")
	maxMesh         = flag.Int("max-mesh", 512, "Maximum mesh size in vertices")
	freeRatio       = flag.Float64("free-ratio", 0.2, "Chance that each live mesh is freed in a frame")
	seed            = flag.Int64("seed", 0, "Random seed (0 picks one from the clock)")
	poolCapacity    = flag.Int("pool", arena.DefaultPoolCapacity, "Number of retired buffers kept for reuse")
	bytesPerSecond  = flag.Float64("upload-rate", 0, "Sustained upload rate in bytes per second (0 disables throttling)")
	frameDuration   = flag.Duration("frame", 16*time.Millisecond, "Simulated frame duration used for upload throttling")
	granularity     = flag.Uint64("granularity", 256, "Host device allocation granularity in bytes")
	verbose         = flag.Bool("v", false, "Log arena activity at debug level")
)

type config struct {
	Stride          uint64
	InitialCapacity uint64
	Rounds          int
	BatchSize       int
	MaxMesh         int
	FreeRatio       float64
	Seed            int64
	PoolCapacity    int
	BytesPerSecond  float64
	FrameDuration   time.Duration
	Granularity     uint64
}

type mesh struct {
	handle   metadata.SegmentHandle
	size     uint64
	checksum uint64
}

type simulation struct {
	logger *slog.Logger
	config config
	random *rand.Rand

	device  *host.Device
	pool    *arena.BufferPool
	staging *staging.Buffer
	arena   *arena.Arena

	live      []mesh
	uploaded  int
	freed     int
	rebinds   int
	throttled int
}

func newSimulation(logger *slog.Logger, cfg config) (*simulation, error) {
	device, err := host.New(host.CreateOptions{Granularity: cfg.Granularity, ExternallySynchronized: true})
	if err != nil {
		return nil, err
	}

	random := rand.New(rand.NewSource(cfg.Seed))

	pool, err := arena.NewBufferPool(logger, device, arena.PoolCreateOptions{
		Flags:    arena.PoolCreateExternallySynchronized,
		Usage:    arena.BufferUsageVertex,
		Capacity: cfg.PoolCapacity,
		Eviction: arena.NewRandomEviction(rand.NewSource(cfg.Seed + 1)),
	})
	if err != nil {
		return nil, err
	}

	stagingBuffer, err := staging.New(logger, device, device, staging.CreateOptions{
		BytesPerSecond:   cfg.BytesPerSecond,
		MinBytesPerFrame: cfg.Stride,
	})
	if err != nil {
		return nil, err
	}

	meshArena, err := arena.New(logger, device, pool, stagingBuffer, arena.CreateOptions{
		InitialCapacity: cfg.InitialCapacity,
		// Checked by run
		Stride:          uint32(cfg.Stride),
	})
	if err != nil {
		return nil, errors.CombineErrors(err, stagingBuffer.Destroy())
	}

	return &simulation{
		logger:  logger,
		config:  cfg,
		random:  random,
		device:  device,
		pool:    pool,
		staging: stagingBuffer,
		arena:   meshArena,
	}, nil
}

func (s *simulation) freeSome() error {
	kept := s.live[:0]
	for _, m := range s.live {
		if s.random.Float64() >= s.config.FreeRatio {
			kept = append(kept, m)
			continue
		}

		err := s.arena.Free(m.handle)
		if err != nil {
			return err
		}
		s.freed++
	}
	s.live = kept

	return nil
}

func (s *simulation) uploadBatch() error {
	budget := s.staging.UploadSizeLimit(s.config.FrameDuration)
	count := 1 + s.random.Intn(s.config.BatchSize)

	var requests []*arena.UploadRequest
	var bytes uint64
	for i := 0; i < count; i++ {
		elements := 1 + s.random.Intn(s.config.MaxMesh)
		data := make([]byte, elements*int(s.config.Stride))
		s.random.Read(data)

		if len(requests) > 0 && bytes+uint64(len(data)) > budget {
			s.throttled += count - i
			break
		}

		bytes += uint64(len(data))
		requests = append(requests, &arena.UploadRequest{Data: data})
	}

	reallocated, err := s.arena.Upload(requests)
	if err != nil {
		return err
	}
	if reallocated {
		s.rebinds++
	}

	for _, request := range requests {
		s.live = append(s.live, mesh{
			handle:   request.Segment,
			size:     uint64(len(request.Data)),
			checksum: xxh3.Hash(request.Data),
		})
	}
	s.uploaded += len(requests)

	return nil
}

// verify checks the arena bookkeeping and that every live mesh still holds the data it was uploaded with
func (s *simulation) verify() error {
	err := s.arena.Validate()
	if err != nil {
		return err
	}

	for _, m := range s.live {
		offset, size, err := s.arena.ByteRange(m.handle)
		if err != nil {
			return err
		}
		if size != m.size {
			return errors.Newf("mesh %#x is %d bytes in the arena, but %d bytes were uploaded", m.handle, size, m.size)
		}

		checksum, err := s.device.Checksum(s.arena.Buffer(), offset, size)
		if err != nil {
			return err
		}
		if checksum != m.checksum {
			return errors.Newf("mesh %#x at byte offset %d does not hold its uploaded data", m.handle, offset)
		}
	}

	return nil
}

func (s *simulation) round() error {
	err := s.freeSome()
	if err != nil {
		return errors.Wrap(err, "free")
	}

	err = s.uploadBatch()
	if err != nil {
		return errors.Wrap(err, "upload")
	}

	err = s.staging.Flip()
	if err != nil {
		return errors.Wrap(err, "flip")
	}

	return errors.Wrap(s.verify(), "verify")
}

func (s *simulation) destroy() error {
	for _, m := range s.live {
		err := s.arena.Free(m.handle)
		if err != nil {
			return err
		}
	}
	s.live = nil

	return errors.CombineErrors(
		s.arena.Destroy(),
		errors.CombineErrors(s.staging.Destroy(), s.pool.Destroy()),
	)
}

func (s *simulation) report(out io.Writer) {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Seed").Float64(float64(s.config.Seed))
	obj.Name("Rounds").Int(s.config.Rounds)
	obj.Name("Uploaded").Int(s.uploaded)
	obj.Name("Freed").Int(s.freed)
	obj.Name("Live").Int(len(s.live))
	obj.Name("Rebinds").Int(s.rebinds)
	obj.Name("Throttled").Int(s.throttled)

	arenaObj := obj.Name("Arena").Object()
	s.arena.PrintJson(&arenaObj, false)
	arenaObj.End()

	poolObj := obj.Name("Pool").Object()
	s.pool.PrintJson(&poolObj)
	poolObj.End()

	stagingStats := s.staging.Statistics()
	stagingObj := obj.Name("Staging").Object()
	stagingObj.Name("Flushes").Int(stagingStats.Flushes)
	stagingObj.Name("Flips").Int(stagingStats.Flips)
	stagingObj.Name("Copies").Int(stagingStats.Copies)
	stagingObj.Name("Grows").Int(stagingStats.Grows)
	stagingObj.Name("BytesStaged").Float64(float64(stagingStats.BytesStaged))
	stagingObj.End()

	deviceStats := s.device.Statistics()
	deviceObj := obj.Name("Device").Object()
	deviceObj.Name("BuffersCreated").Int(deviceStats.BuffersCreated)
	deviceObj.Name("BuffersDeleted").Int(deviceStats.BuffersDeleted)
	deviceObj.Name("Copies").Int(deviceStats.Copies)
	deviceObj.Name("BytesCopied").Float64(float64(deviceStats.BytesCopied))
	deviceObj.Name("BytesWritten").Float64(float64(deviceStats.BytesWritten))
	deviceObj.End()

	obj.End()
	fmt.Fprintln(out, string(writer.Bytes()))
}

func run(logger *slog.Logger, cfg config, out io.Writer) error {
	if cfg.Rounds < 0 || cfg.BatchSize < 1 || cfg.MaxMesh < 1 {
		return errors.New("rounds must not be negative, and batch and max-mesh must be at least 1")
	}
	if cfg.FreeRatio < 0 || cfg.FreeRatio > 1 {
		return errors.Newf("free-ratio must be between 0 and 1, but was %f", cfg.FreeRatio)
	}
	if cfg.Stride == 0 || cfg.Stride > math.MaxUint32 {
		return errors.Newf("stride must be between 1 and %d, but was %d", uint64(math.MaxUint32), cfg.Stride)
	}

	sim, err := newSimulation(logger, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to set up simulation")
	}

	for i := 0; i < cfg.Rounds; i++ {
		err = sim.round()
		if err != nil {
			return errors.CombineErrors(errors.Wrapf(err, "round %d", i), sim.destroy())
		}
	}

	sim.report(out)

	err = sim.destroy()
	if err != nil {
		return errors.Wrap(err, "failed to tear down simulation")
	}

	if live := sim.device.LiveBuffers(); live != 0 {
		return errors.Newf("%d device buffers leaked", live)
	}

	return nil
}

func main() {
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config{
		Stride:          uint64(*stride),
		InitialCapacity: *initialCapacity,
		Rounds:          *rounds,
		BatchSize:       *batchSize,
		MaxMesh:         *maxMesh,
		FreeRatio:       *freeRatio,
		Seed:            *seed,
		PoolCapacity:    *poolCapacity,
		BytesPerSecond:  *bytesPerSecond,
		FrameDuration:   *frameDuration,
		Granularity:     *granularity,
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	err := run(logger, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arenasim: %+v\n", err)
		os.Exit(1)
	}
}
