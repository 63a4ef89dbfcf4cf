package extractor

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/foofork/riptide/internal/core"
)

// PDF pulls the text layer out of PDF bodies. It reads literal-string show
// operators (Tj, ', TJ arrays) from uncompressed and Flate-compressed
// content streams, which covers text-first documents; image-only scans have
// no text layer to read and fail extraction.
type PDF struct {
	// MaxStreamBytes caps the decompressed size of a single content stream.
	// Zero means the default.
	MaxStreamBytes int64
}

const defaultMaxStreamBytes = 8 << 20

// NewPDF returns a PDF processor with default limits.
func NewPDF() *PDF {
	return &PDF{MaxStreamBytes: defaultMaxStreamBytes}
}

var (
	pdfStreamRe  = regexp.MustCompile(`(?s)stream\r?\n(.*?)endstream`)
	pdfShowRe    = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)\s*(?:Tj|')`)
	pdfArrayRe   = regexp.MustCompile(`\[((?:\\.|[^\]])*)\]\s*TJ`)
	pdfLiteralRe = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)`)
	pdfTitleRe   = regexp.MustCompile(`/Title\s*\(((?:\\.|[^\\()])*)\)`)
)

// Process implements core.PDFProcessor.
func (p *PDF) Process(ctx context.Context, body []byte, url string) (*core.ExtractedDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(body, []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing pdf header", core.ErrParse)
	}

	var sb strings.Builder
	for _, m := range pdfStreamRe.FindAllSubmatch(body, -1) {
		p.streamText(&sb, m[1])
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, fmt.Errorf("%w: no text layer", core.ErrExtraction)
	}

	doc := &core.ExtractedDoc{
		URL:         url,
		Text:        text,
		ContentType: "application/pdf",
	}
	if m := pdfTitleRe.FindSubmatch(body); m != nil {
		doc.Title = decodePDFLiteral(string(m[1]))
	}
	return doc, nil
}

// streamText appends the show-operator text of one content stream. Streams
// it cannot decode contribute nothing.
func (p *PDF) streamText(sb *strings.Builder, data []byte) {
	data = p.inflate(data)
	src := string(data)
	for _, m := range pdfShowRe.FindAllStringSubmatch(src, -1) {
		sb.WriteString(decodePDFLiteral(m[1]))
	}
	for _, m := range pdfArrayRe.FindAllStringSubmatch(src, -1) {
		for _, lit := range pdfLiteralRe.FindAllStringSubmatch(m[1], -1) {
			sb.WriteString(decodePDFLiteral(lit[1]))
		}
	}
}

// inflate decompresses a FlateDecode stream, recognized by the zlib header
// byte. Anything else passes through untouched.
func (p *PDF) inflate(data []byte) []byte {
	if len(data) < 2 || data[0] != 0x78 {
		return data
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer r.Close()

	limit := p.MaxStreamBytes
	if limit <= 0 {
		limit = defaultMaxStreamBytes
	}
	out, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return data
	}
	return out
}

// decodePDFLiteral resolves the escape sequences of a PDF literal string.
func decodePDFLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			break
		}
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case '(', ')', '\\':
			b.WriteByte(s[i])
		case '\n':
			// Line continuation, drop the break.
		default:
			if s[i] >= '0' && s[i] <= '7' {
				j := i + 1
				for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
					j++
				}
				v, _ := strconv.ParseUint(s[i:j], 8, 16)
				b.WriteByte(byte(v))
				i = j - 1
			} else {
				b.WriteByte(s[i])
			}
		}
	}
	return b.String()
}
