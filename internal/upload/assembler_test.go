package upload_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koochoy97/leaf-microservice/internal/event"
	"github.com/koochoy97/leaf-microservice/internal/fault"
	"github.com/koochoy97/leaf-microservice/internal/storage"
	"github.com/koochoy97/leaf-microservice/internal/upload"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func init() {
	logger.SetMinLoggingLevel(logger.WARNING.Level())
}

type fixture struct {
	assembler *upload.Assembler
	chunkDir  string
	assetDir  string
	bus       event.EventCoordinator
}

func newFixture(t *testing.T, config upload.Config) *fixture {
	root := t.TempDir()
	chunkDir, assetDir := filepath.Join(root, "uploads"), filepath.Join(root, "videos")
	require.Nil(t, os.Mkdir(chunkDir, 0o755))
	require.Nil(t, os.Mkdir(assetDir, 0o755))

	store, err := storage.NewChunkStore(chunkDir)
	require.Nil(t, err)

	bus := event.New()
	assembler, err := upload.NewAssembler(config, store, assetDir, bus)
	require.Nil(t, err)

	return &fixture{assembler: assembler, chunkDir: chunkDir, assetDir: assetDir, bus: bus}
}

func defaultConfig() upload.Config {
	return upload.Config{SessionExpiry: time.Hour, SweepInterval: time.Minute}
}

func request(session string, index, count int) upload.ChunkRequest {
	return upload.ChunkRequest{SessionID: session, Index: index, ExpectedCount: count, OriginalName: "clip.mp4", MimeType: "video/mp4"}
}

func send(t *testing.T, f *fixture, session string, index, count int, payload string) *upload.Outcome {
	outcome, err := f.assembler.AcceptChunk(ctx, request(session, index, count), strings.NewReader(payload))
	require.Nil(t, err)
	return outcome
}

func chunkFiles(t *testing.T, f *fixture) []string {
	names, err := storage.ListPrefix(f.chunkDir, "")
	require.Nil(t, err)
	return names
}

func TestOutOfOrderChunks_AssembleInIndexOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	session := random.String(10, random.Alphanumeric)

	first := send(t, f, session, 2, 3, "C")
	assert.Equal(t, upload.ChunkAccepted, first.Status)
	assert.Equal(t, 1, first.Received)
	assert.Nil(t, first.Asset)

	assert.Equal(t, upload.ChunkAccepted, send(t, f, session, 0, 3, "A").Status)
	outcome := send(t, f, session, 1, 3, "B")
	require.Equal(t, upload.AssemblyComplete, outcome.Status)
	require.NotNil(t, outcome.Asset)
	assert.False(t, outcome.AlreadyComplete)

	content, err := os.ReadFile(outcome.Asset.Path)
	assert.Nil(t, err)
	assert.Equal(t, "ABC", string(content))
	assert.Equal(t, int64(3), outcome.Asset.Size)
	assert.Equal(t, session+"_clip.mp4", outcome.Asset.ID)
	assert.Equal(t, filepath.Join(f.assetDir, outcome.Asset.ID), outcome.Asset.Path)

	assert.Empty(t, chunkFiles(t, f), "consumed chunks must be removed")
	assert.Equal(t, upload.Complete, f.assembler.Session(session).State)
}

func TestSingleChunkSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	outcome := send(t, f, "solo", 0, 1, "payload")
	require.Equal(t, upload.AssemblyComplete, outcome.Status)

	content, err := os.ReadFile(outcome.Asset.Path)
	assert.Nil(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestCollidingAssetName_LeavesExistingAssetUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	first, err := f.assembler.AcceptChunk(ctx, upload.ChunkRequest{SessionID: "a", Index: 0, ExpectedCount: 1, OriginalName: "b_c.mp4"}, strings.NewReader("first"))
	require.Nil(t, err)
	require.Equal(t, "a_b_c.mp4", first.Asset.ID)

	_, err = f.assembler.AcceptChunk(ctx, upload.ChunkRequest{SessionID: "a_b", Index: 0, ExpectedCount: 1, OriginalName: "c.mp4"}, strings.NewReader("second"))
	assert.Equal(t, fault.InvalidRequestPayload, fault.KindOf(err))

	content, err := os.ReadFile(first.Asset.Path)
	assert.Nil(t, err)
	assert.Equal(t, "first", string(content))
	assert.Equal(t, upload.Assembling, f.assembler.Session("a_b").State)
	assert.Equal(t, []string{"a_b_part0"}, chunkFiles(t, f), "parts of a refused assembly are kept")
}

func TestDuplicateChunk_LastWriteWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	send(t, f, "dup", 0, 2, "old")
	send(t, f, "dup", 0, 2, "new")
	assert.Equal(t, []int{0}, f.assembler.Session("dup").Received())

	outcome := send(t, f, "dup", 1, 2, "!")
	content, err := os.ReadFile(outcome.Asset.Path)
	assert.Nil(t, err)
	assert.Equal(t, "new!", string(content))
}

func TestInvalidIndex_RejectedWithoutStateChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	send(t, f, "idx", 0, 2, "A")

	for _, idx := range []int{-1, 2, 100} {
		_, err := f.assembler.AcceptChunk(ctx, request("idx", idx, 2), strings.NewReader("X"))
		assert.Equal(t, fault.InvalidChunkIndex, fault.KindOf(err), "index %d", idx)
	}

	assert.Equal(t, []int{0}, f.assembler.Session("idx").Received())
	assert.Equal(t, []string{"idx_part0"}, chunkFiles(t, f))
}

func TestInvalidPayloads(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	cases := map[string]upload.ChunkRequest{
		"empty session":   {SessionID: "", Index: 0, ExpectedCount: 1, OriginalName: "a.mp4"},
		"traversal":       {SessionID: "../x", Index: 0, ExpectedCount: 1, OriginalName: "a.mp4"},
		"zero count":      {SessionID: "s", Index: 0, ExpectedCount: 0, OriginalName: "a.mp4"},
		"no name":         {SessionID: "s", Index: 0, ExpectedCount: 1, OriginalName: ""},
		"traversing name": {SessionID: "s", Index: 0, ExpectedCount: 1, OriginalName: ".."},
	}

	for label, req := range cases {
		_, err := f.assembler.AcceptChunk(ctx, req, strings.NewReader("x"))
		assert.Equal(t, fault.InvalidRequestPayload, fault.KindOf(err), label)
	}
	assert.Equal(t, 0, f.assembler.ActiveSessions())
}

func TestExpectedCountMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	send(t, f, "count", 0, 3, "A")

	_, err := f.assembler.AcceptChunk(ctx, request("count", 1, 4), strings.NewReader("B"))
	assert.Equal(t, fault.InvalidRequestPayload, fault.KindOf(err))
}

func TestOriginalNameIsReducedToBase(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	req := request("nested", 0, 1)
	req.OriginalName = "some/dir/movie.mov"
	outcome, err := f.assembler.AcceptChunk(ctx, req, strings.NewReader("x"))
	require.Nil(t, err)
	assert.Equal(t, "nested_movie.mov", outcome.Asset.ID)
}

func TestConcurrentLastChunks_AssembleExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	const count = 4
	for i := 0; i < count-1; i++ {
		send(t, f, "race", i, count, fmt.Sprint(i))
	}

	const racers = 8
	outcomes := make([]*upload.Outcome, racers)
	wg := sync.WaitGroup{}
	for r := 0; r < racers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			out, err := f.assembler.AcceptChunk(ctx, request("race", count-1, count), strings.NewReader("3"))
			assert.Nil(t, err)
			outcomes[r] = out
		}(r)
	}
	wg.Wait()

	fresh := 0
	for _, out := range outcomes {
		require.NotNil(t, out)
		assert.Equal(t, upload.AssemblyComplete, out.Status)
		if !out.AlreadyComplete {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one racer must perform the assembly")

	content, err := os.ReadFile(filepath.Join(f.assetDir, "race_clip.mp4"))
	assert.Nil(t, err)
	assert.Equal(t, "0123", string(content))
	assert.Empty(t, chunkFiles(t, f))
}

func TestLateChunkAfterCompletion_IsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	send(t, f, "late", 0, 2, "A")
	done := send(t, f, "late", 1, 2, "B")

	again := send(t, f, "late", 0, 2, "Z")
	assert.True(t, again.AlreadyComplete)
	assert.Equal(t, done.Asset, again.Asset)
	assert.Empty(t, chunkFiles(t, f))

	content, err := os.ReadFile(done.Asset.Path)
	assert.Nil(t, err)
	assert.Equal(t, "AB", string(content), "completed asset must be immutable")
}

func TestMissingChunk_LeavesSessionAssembling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	send(t, f, "lost", 0, 3, "A")
	send(t, f, "lost", 1, 3, "B")

	// Simulate storage losing a chunk behind the assemblers back
	require.Nil(t, os.Remove(filepath.Join(f.chunkDir, "lost_part1")))

	_, err := f.assembler.AcceptChunk(ctx, request("lost", 2, 3), strings.NewReader("C"))
	require.Equal(t, fault.MissingChunk, fault.KindOf(err))

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Index)

	session := f.assembler.Session("lost")
	assert.Equal(t, upload.Assembling, session.State)
	assert.Equal(t, []int{0, 2}, session.Received())

	_, statErr := os.Stat(filepath.Join(f.assetDir, "lost_clip.mp4"))
	assert.True(t, os.IsNotExist(statErr), "no asset may be produced for an incomplete session")

	// Resubmitting the lost chunk completes the session
	outcome := send(t, f, "lost", 1, 3, "B")
	require.Equal(t, upload.AssemblyComplete, outcome.Status)
	content, err := os.ReadFile(outcome.Asset.Path)
	assert.Nil(t, err)
	assert.Equal(t, "ABC", string(content))
}

func TestDiscard_RemovesPendingChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	send(t, f, "gone", 0, 3, "A")
	send(t, f, "gone", 2, 3, "C")

	removed, err := f.assembler.Discard("gone")
	assert.Nil(t, err)
	assert.Equal(t, 2, removed)
	assert.Nil(t, f.assembler.Session("gone"))
	assert.Empty(t, chunkFiles(t, f))

	removed, err = f.assembler.Discard("never-existed")
	assert.Nil(t, err)
	assert.Zero(t, removed)
}

func TestSweep_ExpiresOnlyIdleSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, upload.Config{SessionExpiry: time.Minute, SweepInterval: time.Minute})

	expiredCh := make(event.HandlerChannel, 4)
	f.bus.RegisterHandlerChannel(expiredCh, event.SESSION_EXPIRED)

	send(t, f, "idle", 0, 2, "A")
	send(t, f, "done", 0, 1, "D")

	// Nothing is idle yet
	assert.Empty(t, f.assembler.Sweep(time.Now()))

	expired := f.assembler.Sweep(time.Now().Add(2 * time.Minute))
	assert.ElementsMatch(t, []string{"idle", "done"}, expired)
	assert.Equal(t, 0, f.assembler.ActiveSessions())
	assert.Empty(t, chunkFiles(t, f))
	assert.Len(t, expiredCh, 2)

	_, err := os.Stat(filepath.Join(f.assetDir, "done_clip.mp4"))
	assert.Nil(t, err, "expiring a completed session must not touch its asset")
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, upload.Config{SessionExpiry: time.Hour, SweepInterval: 5 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error)
	go func() { done <- f.assembler.Run(runCtx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}

func TestNewAssembler_RejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := storage.NewChunkStore(dir)
	require.Nil(t, err)

	_, err = upload.NewAssembler(upload.Config{}, store, dir, nil)
	assert.NotNil(t, err)

	_, err = upload.NewAssembler(defaultConfig(), store, filepath.Join(dir, "missing"), nil)
	assert.NotNil(t, err)
}
