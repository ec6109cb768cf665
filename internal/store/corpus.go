package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

// maxCorpusLine bounds a single JSONL record.
const maxCorpusLine = 4 * 1024 * 1024

// ReadCorpus decodes one Document per line. Blank lines and lines starting
// with '#' are skipped. Documents without a schema version get the current one.
func ReadCorpus(r io.Reader) ([]*Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxCorpusLine)

	var docs []*Document
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var doc Document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, ierrors.New(ierrors.ErrCodeParseFailed, fmt.Sprintf("corpus line %d is not a document", line), err)
		}
		if strings.TrimSpace(doc.Content) == "" {
			return nil, ierrors.ValidationError(fmt.Sprintf("corpus line %d has no content", line), nil)
		}
		if doc.Metadata.SchemaVersion == 0 {
			doc.Metadata.SchemaVersion = SchemaVersion
		}
		docs = append(docs, &doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, ierrors.StoreError("failed to read corpus", err)
	}
	return docs, nil
}

// LoadCorpus reads a JSONL corpus file.
func LoadCorpus(path string) ([]*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ierrors.StoreError("failed to open corpus", err).WithDetail("path", path)
	}
	defer f.Close()
	return ReadCorpus(f)
}
