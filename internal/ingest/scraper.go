package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// Page is the text content extracted from one crawled URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Scraper crawls a website breadth-first, staying on the starting host and
// stopping at maxPages.
type Scraper struct {
	client   *http.Client
	maxPages int
}

func NewScraper(maxPages int) *Scraper {
	if maxPages <= 0 {
		maxPages = 100
	}
	return &Scraper{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxPages: maxPages,
	}
}

// Scrape fetches the starting URL and every same-host page reachable from it,
// up to the page limit. The start page must load; failures on deeper pages
// are skipped.
func (s *Scraper) Scrape(ctx context.Context, startURL string) ([]Page, error) {
	start, err := url.Parse(startURL)
	if err != nil || (start.Scheme != "http" && start.Scheme != "https") {
		return nil, fmt.Errorf("invalid url: %s", startURL)
	}
	if start.Path == "" {
		start.Path = "/"
	}
	start.Fragment = ""

	visited := map[string]struct{}{}
	frontier := []string{start.String()}
	var pages []Page

	for len(frontier) > 0 && len(pages) < s.maxPages {
		target := frontier[0]
		frontier = frontier[1:]
		if _, ok := visited[target]; ok {
			continue
		}
		visited[target] = struct{}{}

		page, links, err := s.fetch(ctx, target)
		if err != nil {
			if len(pages) == 0 {
				return nil, err
			}
			log.Debug().Err(err).Str("url", target).Msg("page skipped")
			continue
		}
		pages = append(pages, page)

		for _, link := range links {
			resolved, ok := s.resolve(start, link)
			if !ok {
				continue
			}
			if _, seen := visited[resolved]; !seen {
				frontier = append(frontier, resolved)
			}
		}
	}
	return pages, nil
}

func (s *Scraper) fetch(ctx context.Context, target string) (Page, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, nil, err
	}
	req.Header.Set("User-Agent", "agenthub-ingest/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "text/html") {
		return Page{}, nil, fmt.Errorf("fetch %s: unsupported content type %s", target, ct)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Page{}, nil, fmt.Errorf("parse %s: %w", target, err)
	}

	// Boilerplate carries no knowledge-base value.
	doc.Find("script, style, nav, footer, header, aside, noscript").Remove()

	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			links = append(links, href)
		}
	})

	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return Page{
		URL:   target,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Text:  text,
	}, links, nil
}

// resolve normalizes a link against the start URL and rejects anything
// off-host or non-HTTP.
func (s *Scraper) resolve(start *url.URL, link string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", false
	}
	abs := start.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if abs.Host != start.Host {
		return "", false
	}
	if abs.Path == "" {
		abs.Path = "/"
	}
	abs.Fragment = ""
	return abs.String(), true
}
