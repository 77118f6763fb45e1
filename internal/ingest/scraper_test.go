package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><head><title>Home</title></head><body>
			<nav>Navigation junk</nav>
			<script>var tracking = true;</script>
			<p>Welcome to the docs.</p>
			<a href="/guide">Guide</a>
			<a href="https://elsewhere.example.com/offsite">Offsite</a>
			<footer>Footer junk</footer>
		</body></html>`)
	})
	mux.HandleFunc("/guide", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Guide</title></head><body>
			<p>Setup instructions live here.</p>
			<a href="/">Back home</a>
			<a href="/guide#section">Same page anchor</a>
		</body></html>`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestScrapeCrawlsSameHost(t *testing.T) {
	site := newTestSite(t)
	s := NewScraper(10)

	pages, err := s.Scrape(context.Background(), site.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	if pages[0].Title != "Home" || pages[1].Title != "Guide" {
		t.Fatalf("unexpected titles: %q, %q", pages[0].Title, pages[1].Title)
	}
	if !strings.Contains(pages[0].Text, "Welcome to the docs.") {
		t.Fatalf("expected body text, got %q", pages[0].Text)
	}
	// Boilerplate elements are stripped from extracted text.
	for _, junk := range []string{"Navigation junk", "Footer junk", "tracking"} {
		if strings.Contains(pages[0].Text, junk) {
			t.Fatalf("expected %q to be stripped, got %q", junk, pages[0].Text)
		}
	}
}

func TestScrapeHonorsPageLimit(t *testing.T) {
	site := newTestSite(t)
	s := NewScraper(1)

	pages, err := s.Scrape(context.Background(), site.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected page limit of 1, got %d", len(pages))
	}
}

func TestScrapeRejectsBadStart(t *testing.T) {
	s := NewScraper(10)
	if _, err := s.Scrape(context.Background(), "not a url"); err == nil {
		t.Fatalf("expected error for invalid url")
	}
	if _, err := s.Scrape(context.Background(), "ftp://example.com"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}

	site := newTestSite(t)
	if _, err := s.Scrape(context.Background(), site.URL+"/missing"); err == nil {
		t.Fatalf("expected error when the start page fails to load")
	}
}
