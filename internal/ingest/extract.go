// Package ingest turns user content into encrypted, indexed memories.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const (
	KindText = "text"
	KindURL  = "url"
	KindPDF  = "pdf"
)

const (
	maxURLFetchSize = 5 << 20
	maxPDFPages     = 100
	maxTextSize     = 1 << 20
	fetchTimeout    = 10 * time.Second
)

// ErrNoContent is returned when a source yields no text.
var ErrNoContent = errors.New("no text content")

// Input is one piece of content to remember.
type Input struct {
	Kind     string
	Text     string
	URL      string
	Data     []byte // raw PDF bytes
	Metadata map[string]string
}

// Extractor resolves an Input to plain text.
type Extractor struct {
	httpClient *http.Client
}

// NewExtractor creates an Extractor. client may be nil.
func NewExtractor(client *http.Client) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Extractor{httpClient: client}
}

// Extract returns the text of in. An empty Kind is treated as text.
func (e *Extractor) Extract(ctx context.Context, in Input) (string, error) {
	var (
		text string
		err  error
	)
	switch in.Kind {
	case "", KindText:
		text = in.Text
	case KindURL:
		text, err = e.fetchURL(ctx, in.URL)
	case KindPDF:
		text, err = PDFText(in.Data)
	default:
		return "", fmt.Errorf("unsupported content kind %q", in.Kind)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoContent
	}
	if len(text) > maxTextSize {
		text = strings.ToValidUTF8(text[:maxTextSize], "")
	}
	return text, nil
}

func (e *Extractor) fetchURL(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", errors.New("url is required")
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("url returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxURLFetchSize)
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		b, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("reading url response: %w", err)
		}
		return string(b), nil
	}
	return HTMLText(body)
}

// skipElements hold no readable text.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "svg": true, "iframe": true,
}

// blockElements end a line of text.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "title": true, "blockquote": true,
}

// HTMLText returns the visible text of an HTML document, one block per line.
func HTMLText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parsing html: %w", err)
			}
			return collapseLines(sb.String()), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] && tt == html.StartTagToken {
				skip++
			}
			if blockElements[tag] {
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] && skip > 0 {
				skip--
			}
			if blockElements[tag] {
				sb.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

// PDFText extracts the plain text of every page.
func PDFText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("pdf data is required")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	pages := r.NumPage()
	if pages == 0 {
		return "", errors.New("pdf has no pages")
	}
	if pages > maxPDFPages {
		return "", fmt.Errorf("pdf has %d pages, max %d", pages, maxPDFPages)
	}

	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(strings.ReplaceAll(text, "\x00", ""))
		sb.WriteByte('\n')
		if sb.Len() > maxTextSize {
			break
		}
	}
	return collapseLines(sb.String()), nil
}

// collapseLines squeezes runs of whitespace and drops blank lines.
func collapseLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
