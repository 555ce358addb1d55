package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTMLText(t *testing.T) {
	doc := `<html><head><title>Trip notes</title><style>body{color:red}</style></head>
<body><h1>Lisbon</h1><script>var x = "hidden";</script>
<p>We ate   pastéis de nata.</p><p>Tram 28<br>was crowded</p></body></html>`

	got, err := HTMLText(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("HTMLText: %v", err)
	}
	want := "Trip notes\nLisbon\nWe ate pastéis de nata.\nTram 28\nwas crowded"
	if got != want {
		t.Errorf("HTMLText =\n%q\nwant\n%q", got, want)
	}
}

func TestExtract_Text(t *testing.T) {
	e := NewExtractor(nil)
	got, err := e.Extract(context.Background(), Input{Text: "  my sister's birthday is in May  "})
	if err != nil || got != "my sister's birthday is in May" {
		t.Errorf("Extract = %q, %v", got, err)
	}
}

func TestExtract_Empty(t *testing.T) {
	e := NewExtractor(nil)
	if _, err := e.Extract(context.Background(), Input{Kind: KindText, Text: "   "}); !errors.Is(err, ErrNoContent) {
		t.Errorf("err = %v, want ErrNoContent", err)
	}
}

func TestExtract_UnsupportedKind(t *testing.T) {
	e := NewExtractor(nil)
	if _, err := e.Extract(context.Background(), Input{Kind: "video"}); err == nil {
		t.Error("expected error for unsupported kind")
	}
}

func TestExtract_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(`<html><body><p>Reading list: Dune</p><script>track()</script></body></html>`))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("plain <b>notes</b>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := NewExtractor(srv.Client())
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"/page", "Reading list: Dune", false},
		{"/plain", "plain <b>notes</b>", false},
		{"/missing", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := e.Extract(context.Background(), Input{Kind: KindURL, URL: srv.URL + tt.path})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtract_URLRequired(t *testing.T) {
	e := NewExtractor(nil)
	if _, err := e.Extract(context.Background(), Input{Kind: KindURL}); err == nil {
		t.Error("expected error for missing url")
	}
}

func TestPDFText_Invalid(t *testing.T) {
	if _, err := PDFText(nil); err == nil {
		t.Error("expected error for empty data")
	}
	if _, err := PDFText([]byte("not a pdf")); err == nil {
		t.Error("expected error for non-pdf data")
	}
}
