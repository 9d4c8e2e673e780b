package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teki-go/pkg/tika"
)

// buildDOCX 在内存中生成一个最小的 docx 文件。
func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	contentTypes, err := w.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, err = contentTypes.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`))
	require.NoError(t, err)

	if documentXML != "" {
		doc, err := w.Create("word/document.xml")
		require.NoError(t, err)
		_, err = doc.Write([]byte(documentXML))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())
	return buf.Bytes()
}

const sampleDocumentXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:rPr><w:b/></w:rPr><w:t>Erro ao abrir o </w:t></w:r><w:r><w:t>Protheus</w:t></w:r></w:p>
<w:p><w:r><w:t>Reinicie o servico AppServer.</w:t></w:r></w:p>
</w:body>
</w:document>`

func TestExtract_DOCX(t *testing.T) {
	e := NewExtractor(nil, 0)

	text, err := e.Extract(context.Background(), buildDOCX(t, sampleDocumentXML), "docx")
	require.NoError(t, err)
	assert.Equal(t, "Erro ao abrir o Protheus\n\nReinicie o servico AppServer.", text)
}

func TestExtract_FileTypeIsCaseInsensitive(t *testing.T) {
	e := NewExtractor(nil, 0)

	text, err := e.Extract(context.Background(), buildDOCX(t, sampleDocumentXML), ".DOCX")
	require.NoError(t, err)
	assert.Contains(t, text, "Protheus")
}

func TestExtract_DOCXWithoutDocumentXML(t *testing.T) {
	e := NewExtractor(nil, 0)

	_, err := e.Extract(context.Background(), buildDOCX(t, ""), "docx")
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, "docx", extErr.FileType)
	assert.ErrorIs(t, err, errMissingDocumentXML)
}

func TestExtract_CorruptFiles(t *testing.T) {
	e := NewExtractor(nil, 0)
	garbage := []byte("definitely not a document")

	for _, fileType := range []string{"pdf", "docx"} {
		t.Run(fileType, func(t *testing.T) {
			_, err := e.Extract(context.Background(), garbage, fileType)
			var extErr *ExtractionError
			require.ErrorAs(t, err, &extErr)
			assert.Equal(t, fileType, extErr.FileType)
		})
	}
}

func TestExtract_UnsupportedFileType(t *testing.T) {
	e := NewExtractor(nil, 0)

	_, err := e.Extract(context.Background(), []byte("texto"), "txt")
	assert.ErrorIs(t, err, ErrUnsupportedFileType)

	var extErr *ExtractionError
	assert.False(t, errors.As(err, &extErr))
}

func TestExtract_DOCWithoutTika(t *testing.T) {
	e := NewExtractor(nil, 0)

	_, err := e.Extract(context.Background(), []byte{0xD0, 0xCF, 0x11, 0xE0}, "doc")
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.ErrorIs(t, err, tika.ErrNotConfigured)
}

func TestExtract_DOCThroughTika(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("Texto extraido pelo Tika"))
	}))
	defer srv.Close()

	e := NewExtractor(tika.NewClient(srv.URL, srv.Client()), 0)
	text, err := e.Extract(context.Background(), []byte("binary-doc"), "doc")
	require.NoError(t, err)
	assert.Equal(t, "Texto extraido pelo Tika", text)
	assert.Equal(t, "application/msword", gotContentType)
	assert.Equal(t, []byte("binary-doc"), gotBody)
}

func TestExtract_TikaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unprocessable", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e := NewExtractor(tika.NewClient(srv.URL, srv.Client()), 0)
	_, err := e.Extract(context.Background(), []byte("binary-doc"), "doc")
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Contains(t, err.Error(), "422")
}

func TestExtract_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e := NewExtractor(tika.NewClient(srv.URL, srv.Client()), 50*time.Millisecond)
	_, err := e.Extract(context.Background(), []byte("binary-doc"), "doc")
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

const tableAndHyperlinkXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"
 xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
<w:body>
<w:p><w:r><w:t>Intro.</w:t></w:r></w:p>
<w:tbl><w:tblPr/><w:tr><w:tc><w:tcPr/><w:p><w:r><w:t>Passo 1: reiniciar AppServer</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
<w:p><w:r><w:t xml:space="preserve">Veja </w:t></w:r><w:hyperlink r:id="rId5"><w:r><w:t>o manual TOTVS</w:t></w:r></w:hyperlink></w:p>
<w:p><w:sdt><w:sdtContent><w:r><w:t>Campo</w:t><w:tab/><w:t>valor</w:t><w:br/><w:t>fim</w:t></w:r></w:sdtContent></w:sdt></w:p>
<w:sectPr><w:pgSz w:w="11906"/></w:sectPr>
</w:body>
</w:document>`

func TestExtract_DOCXTablesAndHyperlinks(t *testing.T) {
	e := NewExtractor(nil, 0)

	text, err := e.Extract(context.Background(), buildDOCX(t, tableAndHyperlinkXML), "docx")
	require.NoError(t, err)
	assert.Equal(t, "Intro.\n\nPasso 1: reiniciar AppServer\n\nVeja o manual TOTVS\n\nCampo\tvalor\nfim", text)
}

func TestParseDocumentXML_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := parseDocumentXML(ctx, []byte(sampleDocumentXML))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractor_TimeoutReleasesParserSlot(t *testing.T) {
	e := NewExtractor(nil, 30*time.Millisecond, WithMaxConcurrentParses(1))
	exited := make(chan struct{})
	blocking := func(ctx context.Context, _ []byte) (string, error) {
		defer close(exited)
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, err := e.run(context.Background(), "pdf", nil, blocking)
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("parser goroutine did not exit after timeout")
	}
	assert.Eventually(t, func() bool {
		if !e.slots.TryAcquire(1) {
			return false
		}
		e.slots.Release(1)
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestExtractor_WaitsForFreeParserSlot(t *testing.T) {
	e := NewExtractor(nil, 30*time.Millisecond, WithMaxConcurrentParses(1))
	require.True(t, e.slots.TryAcquire(1))
	defer e.slots.Release(1)

	called := false
	_, err := e.run(context.Background(), "docx", nil, func(context.Context, []byte) (string, error) {
		called = true
		return "", nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}
