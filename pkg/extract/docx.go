package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const documentXMLPath = "word/document.xml"

// maxDocumentXMLSize 限制解压后的 document.xml 大小，防止压缩炸弹。
const maxDocumentXMLSize = 64 << 20

// ctxCheckInterval 每处理这么多个 XML token 检查一次 ctx。
const ctxCheckInterval = 512

var errMissingDocumentXML = errors.New("word/document.xml ausente")

// extractDOCX 提取 .docx 的原始文本，段落之间以空行分隔。
func extractDOCX(ctx context.Context, data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("abrir DOCX: %w", err)
	}

	for _, file := range reader.File {
		if file.Name != documentXMLPath {
			continue
		}
		content, err := readZipEntry(file)
		if err != nil {
			return "", err
		}
		return parseDocumentXML(ctx, content)
	}
	return "", errMissingDocumentXML
}

func readZipEntry(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("abrir %s: %w", file.Name, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, maxDocumentXMLSize))
	if err != nil {
		return nil, fmt.Errorf("ler %s: %w", file.Name, err)
	}
	return content, nil
}

// parseDocumentXML 遍历 w:body 下的所有 token，收集每个 w:t 的文本。
// 表格、超链接、内容控件里的段落同样保留；每个 </w:p> 结束一个段落，
// run 内的 w:tab 写作制表符，w:br 与 w:cr 写作换行，其余格式信息全部丢弃。
func parseDocumentXML(ctx context.Context, content []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))

	var (
		paragraphs []string
		current    strings.Builder
		bodyDepth  int
		runDepth   int
		textDepth  int
	)

	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}

		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("interpretar %s: %w", documentXMLPath, err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == "body" {
				bodyDepth++
			}
			if bodyDepth == 0 {
				continue
			}
			switch el.Name.Local {
			case "r":
				runDepth++
			case "t":
				textDepth++
			case "tab":
				if runDepth > 0 {
					current.WriteByte('\t')
				}
			case "br", "cr":
				if runDepth > 0 {
					current.WriteByte('\n')
				}
			}
		case xml.EndElement:
			if bodyDepth == 0 {
				continue
			}
			switch el.Name.Local {
			case "body":
				bodyDepth--
			case "r":
				if runDepth > 0 {
					runDepth--
				}
			case "t":
				if textDepth > 0 {
					textDepth--
				}
			case "p":
				paragraphs = append(paragraphs, current.String())
				current.Reset()
			}
		case xml.CharData:
			if bodyDepth > 0 && textDepth > 0 {
				current.Write(el)
			}
		}
	}

	// 没有以 </w:p> 结束的尾部文本
	if current.Len() > 0 {
		paragraphs = append(paragraphs, current.String())
	}
	return strings.Join(paragraphs, "\n\n"), nil
}
