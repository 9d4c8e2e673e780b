package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teki-go/internal/model"
	"teki-go/internal/repository"
	"teki-go/pkg/storage"
	"teki-go/pkg/tasks"
)

// events 按发生顺序记录级联删除中的各个步骤。
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type fakeIndex struct {
	ev  *events
	ids []string
	err error
}

func (f *fakeIndex) DeleteObjects(_ context.Context, ids []string) error {
	f.ev.add(fmt.Sprintf("index:%d", len(ids)))
	f.ids = append(f.ids, ids...)
	return f.err
}

type eventStore struct {
	storage.Store
	ev *events
}

func (s *eventStore) Delete(ctx context.Context, name string) error {
	s.ev.add("store:" + name)
	return s.Store.Delete(ctx, name)
}

type eventRepo struct {
	repository.SolutionRepository
	ev *events
}

func (r *eventRepo) Delete(ctx context.Context, id string) (*model.SolutionRecord, error) {
	r.ev.add("repo:" + id)
	return r.SolutionRepository.Delete(ctx, id)
}

type fakeDispatcher struct {
	mu  sync.Mutex
	got []tasks.SolutionProcessingTask
	err error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task tasks.SolutionProcessingTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, task)
	return d.err
}

type serviceFixture struct {
	ev         *events
	repo       repository.SolutionRepository
	store      storage.Store
	index      *fakeIndex
	dispatcher *fakeDispatcher
	svc        *solutionService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	dir := t.TempDir()
	ev := &events{}

	baseRepo := repository.NewSolutionRepository(filepath.Join(dir, "metadata.json"))
	t.Cleanup(func() { _ = baseRepo.Close() })
	baseStore, err := storage.NewLocalStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	f := &serviceFixture{
		ev:         ev,
		repo:       &eventRepo{SolutionRepository: baseRepo, ev: ev},
		store:      &eventStore{Store: baseStore, ev: ev},
		index:      &fakeIndex{ev: ev},
		dispatcher: &fakeDispatcher{},
	}
	f.svc = NewSolutionService(f.repo, f.store, f.index, f.dispatcher).(*solutionService)
	f.svc.now = func() time.Time { return time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC) }
	return f
}

func validInput() UploadInput {
	data := []byte("%PDF-1.4 conteudo de teste")
	return UploadInput{
		Titulo:               "Erro de login no Fluig",
		Descricao:            "Limpar cache do navegador",
		Categoria:            "Fluig",
		Tags:                 `["login", " cache ", ""]`,
		SistemasRelacionados: `["Fluig"]`,
		FileName:             `C:\Users\tecnico\manual.pdf`,
		ContentType:          "application/pdf",
		Size:                 int64(len(data)),
		Data:                 data,
	}
}

func TestUpload_Success(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.newID = func() string { return "sol_1234abcd" }

	rec, err := f.svc.Upload(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, "sol_1234abcd", rec.ID)
	assert.Equal(t, model.StatusUploading, rec.Status)
	assert.Equal(t, model.CriticalityMedia, rec.Criticidade)
	assert.Equal(t, model.DefaultAuthor, rec.Author)
	assert.Equal(t, []string{"login", "cache"}, rec.Tags)
	assert.Equal(t, "pdf", rec.FileType)
	assert.Equal(t, "manual.pdf", rec.FileName)
	assert.Equal(t, "/api/uploads/sol_1234abcd.pdf", rec.FileURL)
	assert.Equal(t, 0, rec.TotalChunks)

	stored, err := f.repo.Read(context.Background(), "sol_1234abcd")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploading, stored.Status)

	data, err := storage.ReadAll(context.Background(), f.store, "sol_1234abcd.pdf")
	require.NoError(t, err)
	assert.Equal(t, validInput().Data, data)

	assert.Equal(t, []tasks.SolutionProcessingTask{{SolutionID: "sol_1234abcd", FileName: "sol_1234abcd.pdf"}}, f.dispatcher.got)
}

func TestUpload_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *UploadInput)
		want   string
	}{
		{"missing titulo", func(in *UploadInput) { in.Titulo = "  " }, "Campos obrigatorios"},
		{"missing file", func(in *UploadInput) { in.Data = nil }, "Campos obrigatorios"},
		{"bad mime", func(in *UploadInput) { in.ContentType = "text/plain" }, "Tipo de arquivo nao permitido"},
		{"too large", func(in *UploadInput) { in.Size = MaxUploadSize + 1 }, "10MB"},
		{"unknown category", func(in *UploadInput) { in.Categoria = "Financeiro" }, "Categoria invalida"},
		{"bad criticality", func(in *UploadInput) { in.Criticidade = "urgente" }, "Criticidade invalida"},
		{"malformed tags", func(in *UploadInput) { in.Tags = `login,cache` }, "tags"},
		{"tags not strings", func(in *UploadInput) { in.Tags = `[1,2]` }, "tags"},
		{"too many tags", func(in *UploadInput) { in.Tags = `["1","2","3","4","5","6","7","8","9","10","11"]` }, "Maximo de 10 tags"},
		{"malformed sistemas", func(in *UploadInput) { in.SistemasRelacionados = `{` }, "sistemasRelacionados"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			in := validInput()
			tt.mutate(&in)

			_, err := f.svc.Upload(context.Background(), in)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, vErr.Message, tt.want)

			all, err := f.repo.ReadAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.Empty(t, f.dispatcher.got)
		})
	}
}

func TestUpload_RegeneratesDuplicateID(t *testing.T) {
	f := newServiceFixture(t)
	require.NoError(t, f.repo.Create(context.Background(), &model.SolutionRecord{ID: "sol_dddddddd", FileType: "pdf"}))

	ids := []string{"sol_dddddddd", "sol_eeeeeeee"}
	f.svc.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	rec, err := f.svc.Upload(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, "sol_eeeeeeee", rec.ID)
}

func TestUpload_DispatchFailureMarksError(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.newID = func() string { return "sol_99999999" }
	f.dispatcher.err = errors.New("fila indisponivel")

	_, err := f.svc.Upload(context.Background(), validInput())
	require.Error(t, err)

	rec, err := f.repo.Read(context.Background(), "sol_99999999")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
}

func TestDelete_CascadesInOrder(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.index.err = errors.New("indice fora do ar")

	require.NoError(t, f.repo.Create(ctx, &model.SolutionRecord{ID: "sol_aaaa0000", FileType: "docx", Status: model.StatusIndexed, TotalChunks: 5}))
	require.NoError(t, f.store.Save(ctx, "sol_aaaa0000.docx", []byte("docx")))

	require.NoError(t, f.svc.Delete(ctx, "sol_aaaa0000"))

	assert.Equal(t, []string{"index:5", "store:sol_aaaa0000.docx", "repo:sol_aaaa0000"}, f.ev.all())
	assert.Equal(t, model.ChunkObjectIDs("sol_aaaa0000", 5), f.index.ids)

	_, err := f.repo.Read(ctx, "sol_aaaa0000")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, _, err = f.store.Open(ctx, "sol_aaaa0000.docx")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDelete_WithoutChunksOrFile(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Create(ctx, &model.SolutionRecord{ID: "sol_bbbb0000", FileType: "pdf", Status: model.StatusError}))

	require.NoError(t, f.svc.Delete(ctx, "sol_bbbb0000"))
	assert.Equal(t, []string{"store:sol_bbbb0000.pdf", "repo:sol_bbbb0000"}, f.ev.all())
}

func TestDelete_NotFound(t *testing.T) {
	f := newServiceFixture(t)

	err := f.svc.Delete(context.Background(), "sol_missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, f.ev.all())
}

func TestList_SortedByCreatedAtDesc(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, r := range []struct {
		id     string
		offset time.Duration
	}{
		{"sol_old", 0},
		{"sol_new", 48 * time.Hour},
		{"sol_mid", 24 * time.Hour},
	} {
		require.NoError(t, f.repo.Create(ctx, &model.SolutionRecord{ID: r.id, CreatedAt: base.Add(r.offset)}))
	}

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"sol_new", "sol_mid", "sol_old"}, ids)
}

func TestOpenUpload(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, "sol_cccc0000.docx", []byte("conteudo")))

	file, err := f.svc.OpenUpload(ctx, "../../sol_cccc0000.docx")
	require.NoError(t, err)
	defer file.Content.Close()
	assert.Equal(t, "sol_cccc0000.docx", file.Name)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", file.ContentType)
	body, err := io.ReadAll(file.Content)
	require.NoError(t, err)
	assert.Equal(t, "conteudo", string(body))

	for _, name := range []string{"../metadata.json", "..", "sol_missing.pdf", "script.sh"} {
		_, err := f.svc.OpenUpload(ctx, name)
		assert.ErrorIs(t, err, storage.ErrNotFound, name)
	}
}

func TestNewSolutionID(t *testing.T) {
	id := NewSolutionID()
	assert.Regexp(t, `^sol_[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewSolutionID())
}
