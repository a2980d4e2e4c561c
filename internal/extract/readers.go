package extract

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"os"
	"strings"

	"cvtrack/internal/services"
)

const maxRawBytes = 20 << 20

func readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", services.Wrap(services.ErrIO, "extract", "txt", "open file", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxRawBytes))
	if err != nil {
		return "", services.Wrap(services.ErrIO, "extract", "txt", "read file", err)
	}
	return string(data), nil
}

func readDocx(path string) (string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "extract", "docx", "not a valid docx archive", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", services.Wrap(services.ErrValidation, "extract", "docx", "open document.xml", err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxRawBytes))
		rc.Close()
		if err != nil {
			return "", services.Wrap(services.ErrValidation, "extract", "docx", "read document.xml", err)
		}
		return parseDocumentXML(content)
	}
	return "", services.Wrap(services.ErrValidation, "extract", "docx", "word/document.xml missing", nil)
}

type documentXML struct {
	Body struct {
		Paragraphs []paragraph `xml:"p"`
		Tables     []table     `xml:"tbl"`
	} `xml:"body"`
}

type table struct {
	Rows []struct {
		Cells []struct {
			Paragraphs []paragraph `xml:"p"`
		} `xml:"tc"`
	} `xml:"tr"`
}

type paragraph struct {
	Runs []run `xml:"r"`
}

type run struct {
	Text []textElement `xml:"t"`
	Tabs []struct{}    `xml:"tab"`
}

type textElement struct {
	Content string `xml:",chardata"`
}

func (p paragraph) text() string {
	var b strings.Builder
	for _, r := range p.Runs {
		if len(r.Tabs) > 0 && len(r.Text) == 0 {
			b.WriteByte('\t')
		}
		for _, t := range r.Text {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}

func parseDocumentXML(content []byte) (string, error) {
	var doc documentXML
	if err := xml.Unmarshal(content, &doc); err != nil {
		return "", services.Wrap(services.ErrValidation, "extract", "docx", "parse document.xml", err)
	}

	lines := make([]string, 0, len(doc.Body.Paragraphs))
	for _, para := range doc.Body.Paragraphs {
		lines = append(lines, para.text())
	}
	// Tables are appended after body paragraphs; cell order within a row is kept.
	for _, tbl := range doc.Body.Tables {
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				parts := make([]string, 0, len(cell.Paragraphs))
				for _, para := range cell.Paragraphs {
					if t := strings.TrimSpace(para.text()); t != "" {
						parts = append(parts, t)
					}
				}
				cells = append(cells, strings.Join(parts, " "))
			}
			lines = append(lines, strings.Join(cells, " | "))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// scrapePrintable keeps runs of at least minRun printable ASCII characters.
func scrapePrintable(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", services.Wrap(services.ErrIO, "extract", "scrape", "open file", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxRawBytes))
	if err != nil {
		return "", services.Wrap(services.ErrIO, "extract", "scrape", "read file", err)
	}

	const minRun = 4
	var out strings.Builder
	start := -1
	flush := func(end int) {
		if start >= 0 && end-start >= minRun {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.Write(data[start:end])
		}
		start = -1
	}
	for i, c := range data {
		if (c >= 0x20 && c < 0x7f) || c == '\t' {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(data))
	return out.String(), nil
}
