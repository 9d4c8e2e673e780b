package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teki-go/internal/model"
	"teki-go/internal/repository"
	"teki-go/pkg/storage"
	"teki-go/pkg/tasks"
)

type fakeExtractor struct {
	text     string
	err      error
	panicMsg string
}

func (f fakeExtractor) Extract(_ context.Context, _ []byte, _ string) (string, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.text, f.err
}

type fakeIndexer struct {
	mu    sync.Mutex
	calls int
	saved []model.IndexedChunkRecord
	err   error
}

func (f *fakeIndexer) SaveObjects(_ context.Context, records []model.IndexedChunkRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, records...)
	return nil
}

// recordingRepo 记录每次状态变更的顺序。
type recordingRepo struct {
	repository.SolutionRepository
	mu       sync.Mutex
	statuses []model.SolutionStatus
}

func (r *recordingRepo) Update(ctx context.Context, id string, u model.SolutionUpdate) error {
	if u.Status != nil {
		r.mu.Lock()
		r.statuses = append(r.statuses, *u.Status)
		r.mu.Unlock()
	}
	return r.SolutionRepository.Update(ctx, id, u)
}

type fixture struct {
	path    string
	repo    *recordingRepo
	store   storage.Store
	indexer *fakeIndexer
	record  *model.SolutionRecord
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")
	base := repository.NewSolutionRepository(path)
	t.Cleanup(func() { _ = base.Close() })

	store, err := storage.NewLocalStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	record := &model.SolutionRecord{
		ID:                   "sol_0a1b2c3d",
		Titulo:               "VPN nao conecta",
		Descricao:            "Passos para reconfigurar a VPN",
		Categoria:            "Rede",
		Tags:                 []string{"vpn"},
		SistemasRelacionados: []string{"FortiClient"},
		Criticidade:          model.CriticalityAlta,
		Author:               model.DefaultAuthor,
		CreatedAt:            time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		FileURL:              "/api/uploads/sol_0a1b2c3d.pdf",
		FileType:             "pdf",
		FileName:             "vpn.pdf",
		Status:               model.StatusUploading,
	}
	require.NoError(t, base.Create(context.Background(), record))

	return &fixture{
		path:    path,
		repo:    &recordingRepo{SolutionRepository: base},
		store:   store,
		indexer: &fakeIndexer{},
		record:  record,
	}
}

func (f *fixture) processor(ext TextExtractor, opts ...ChunkOption) *Processor {
	return NewProcessor(f.repo, ext, f.indexer, f.store, opts...)
}

func (f *fixture) stored(t *testing.T) *model.SolutionRecord {
	t.Helper()
	rec, err := f.repo.Read(context.Background(), f.record.ID)
	require.NoError(t, err)
	return rec
}

func TestProcess_ContentTooShort(t *testing.T) {
	f := newFixture(t)

	err := f.processor(fakeExtractor{text: "   pouco texto   "}).Process(context.Background(), f.record, []byte("x"))
	require.ErrorIs(t, err, ErrContentTooShort)

	rec := f.stored(t)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Equal(t, ErrContentTooShort.Error(), rec.ErrorMessage)
	assert.Equal(t, 0, f.indexer.calls)
	assert.Equal(t, []model.SolutionStatus{model.StatusExtracting, model.StatusError}, f.repo.statuses)
}

func TestProcess_Success(t *testing.T) {
	f := newFixture(t)
	paragraphs := []string{
		strings.Repeat("a", 80),
		strings.Repeat("b", 80),
		strings.Repeat("c", 80),
	}
	ext := fakeExtractor{text: strings.Join(paragraphs, "\n\n")}

	err := f.processor(ext, WithMaxChunkSize(100), WithOverlapSize(10)).Process(context.Background(), f.record, []byte("x"))
	require.NoError(t, err)

	rec := f.stored(t)
	assert.Equal(t, model.StatusIndexed, rec.Status)
	assert.Equal(t, 3, rec.TotalChunks)
	assert.Empty(t, rec.ErrorMessage)
	assert.Equal(t, []model.SolutionStatus{model.StatusExtracting, model.StatusIndexing, model.StatusIndexed}, f.repo.statuses)

	require.Equal(t, 1, f.indexer.calls, "all chunks are saved in a single call")
	require.Len(t, f.indexer.saved, 3)
	var ids []string
	for i, r := range f.indexer.saved {
		ids = append(ids, r.ObjectID)
		assert.Equal(t, i, r.ChunkIndex)
		assert.Equal(t, 3, r.TotalChunks)
		assert.Equal(t, "sol_0a1b2c3d", r.SolutionID)
		assert.Equal(t, "alta", r.Criticality)
		assert.Equal(t, "/api/uploads/sol_0a1b2c3d.pdf", r.FileURL)
		assert.Equal(t, model.SourceTypeManualUpload, r.SourceType)
	}
	assert.Equal(t, []string{"sol_0a1b2c3d_chunk_0", "sol_0a1b2c3d_chunk_1", "sol_0a1b2c3d_chunk_2"}, ids)
	assert.Equal(t, model.ChunkObjectIDs("sol_0a1b2c3d", 3), ids)
}

// stageSamples 返回某个阶段耗时直方图的观测次数。
func stageSamples(t *testing.T, stage string) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, stageDuration.WithLabelValues(stage).(prometheus.Histogram).Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestProcess_IndexFailure(t *testing.T) {
	f := newFixture(t)
	f.indexer.err = errors.New("indice indisponivel")
	before := stageSamples(t, "index")

	err := f.processor(fakeExtractor{text: strings.Repeat("texto valido ", 10)}).Process(context.Background(), f.record, []byte("x"))
	require.Error(t, err)

	rec := f.stored(t)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "indice indisponivel")
	assert.Equal(t, 0, rec.TotalChunks)
	// 失败的写入同样计入耗时
	assert.Equal(t, before+1, stageSamples(t, "index"))
}

func TestProcess_ExtractionFailure(t *testing.T) {
	f := newFixture(t)

	err := f.processor(fakeExtractor{err: errors.New("PDF corrompido")}).Process(context.Background(), f.record, []byte("x"))
	require.Error(t, err)

	rec := f.stored(t)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Equal(t, "PDF corrompido", rec.ErrorMessage)
}

func TestProcess_PanicLeavesTerminalState(t *testing.T) {
	f := newFixture(t)

	var err error
	assert.NotPanics(t, func() {
		err = f.processor(fakeExtractor{panicMsg: "boom"}).Process(context.Background(), f.record, []byte("x"))
	})
	require.Error(t, err)

	rec := f.stored(t)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "boom")
}

func TestProcess_CancelledContextStillMarksError(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.processor(fakeExtractor{err: context.Canceled}).Process(ctx, f.record, []byte("x"))
	require.Error(t, err)

	// ctx 在调用前已取消，最终的 error 状态仍然必须写入
	assert.Equal(t, model.StatusError, f.stored(t).Status)
}

func TestHandleTask_LoadsStoredFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(context.Background(), f.record.StoredFileName(), []byte("binario")))

	err := f.processor(fakeExtractor{text: strings.Repeat("conteudo suficiente ", 5)}).
		HandleTask(context.Background(), tasks.SolutionProcessingTask{SolutionID: f.record.ID})
	require.NoError(t, err)
	assert.Equal(t, model.StatusIndexed, f.stored(t).Status)
}

func TestHandleTask_MissingFileMarksError(t *testing.T) {
	f := newFixture(t)

	err := f.processor(fakeExtractor{}).HandleTask(context.Background(), tasks.SolutionProcessingTask{SolutionID: f.record.ID})
	require.ErrorIs(t, err, storage.ErrNotFound)

	rec := f.stored(t)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
}

func TestHandleTask_MissingRecord(t *testing.T) {
	f := newFixture(t)

	err := f.processor(fakeExtractor{}).HandleTask(context.Background(), tasks.SolutionProcessingTask{SolutionID: "sol_ffffffff"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRecoverInterrupted_MarksNonTerminalRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for id, status := range map[string]model.SolutionStatus{
		"sol_11111111": model.StatusExtracting,
		"sol_22222222": model.StatusIndexing,
		"sol_33333333": model.StatusIndexed,
		"sol_44444444": model.StatusError,
	} {
		require.NoError(t, f.repo.Create(ctx, &model.SolutionRecord{ID: id, FileType: "pdf", Status: status}))
	}

	n, err := f.processor(fakeExtractor{}).RecoverInterrupted(ctx)
	require.NoError(t, err)
	// sol_0a1b2c3d (uploading) + extracting + indexing
	assert.Equal(t, 3, n)

	for _, id := range []string{f.record.ID, "sol_11111111", "sol_22222222"} {
		rec, err := f.repo.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusError, rec.Status, id)
		assert.Equal(t, ErrProcessingInterrupted.Error(), rec.ErrorMessage, id)
	}
	rec, err := f.repo.Read(ctx, "sol_33333333")
	require.NoError(t, err)
	assert.Equal(t, model.StatusIndexed, rec.Status)
	assert.Empty(t, rec.ErrorMessage)
}
