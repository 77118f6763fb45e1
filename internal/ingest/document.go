package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

// DocumentLoader extracts text segments from local document files. The ext
// parser picks a format-specific parser by file extension and falls back to
// plain text.
type DocumentLoader struct {
	loader *file.FileLoader
	err    error
}

func NewDocumentLoader() *DocumentLoader {
	parserExt, err := parser.NewExtParser(context.Background(), &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return &DocumentLoader{err: fmt.Errorf("init parser: %w", err)}
	}
	loader, err := file.NewFileLoader(context.Background(), &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return &DocumentLoader{err: fmt.Errorf("init loader: %w", err)}
	}
	return &DocumentLoader{loader: loader}
}

// Load parses the file at path and returns how many non-empty segments it
// produced.
func (d *DocumentLoader) Load(ctx context.Context, path string) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return 0, errors.New("source is a directory")
	}

	docs, err := d.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return 0, fmt.Errorf("load document: %w", err)
	}
	segments := 0
	for _, doc := range docs {
		if strings.TrimSpace(doc.Content) != "" {
			segments++
		}
	}
	if segments == 0 {
		return 0, errors.New("document produced no content")
	}
	return segments, nil
}
