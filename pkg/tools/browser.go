package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/html"

	"github.com/agenthive/hive/pkg/config"
)

// browserUserAgent mimics a desktop browser; several engines and sites
// serve stripped or blocked pages to unknown agents.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

const fetchMaxRetries = 2

// SearchResult is one entry of a search response.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResponse is the outcome of a search operation.
type SearchResponse struct {
	Success bool           `json:"success"`
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Error   string         `json:"error,omitempty"`
}

// FetchResult is the outcome of fetching one page.
type FetchResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Browser provides web search and page fetching for models without native
// search support. Fetched pages are memoized in an LRU cache so parallel
// workers chasing the same source don't re-fetch it.
type Browser struct {
	cfg        config.BrowserConfig
	httpClient *http.Client
	cache      *lru.Cache[string, FetchResult]
	logger     *slog.Logger

	// engines in fallback order; replaceable in tests.
	engines []searchEngine

	// sleep is replaceable in tests to avoid real retry waits.
	sleep func(ctx context.Context, d time.Duration) error
}

type searchEngine struct {
	name   string
	search func(ctx context.Context, query string, numResults int) ([]SearchResult, error)
}

// NewBrowser creates a browser tool backend.
func NewBrowser(cfg config.BrowserConfig) (*Browser, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, FetchResult](size)
	if err != nil {
		return nil, fmt.Errorf("creating page cache: %w", err)
	}

	b := &Browser{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.FetchTimeout},
		cache:      cache,
		logger:     slog.Default().With("component", "sandbox_browser"),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	b.engines = []searchEngine{
		{name: "bing", search: b.searchBing},
		{name: "duckduckgo", search: b.searchDuckDuckGo},
	}
	return b, nil
}

// Search queries the engines in order and returns the first non-empty
// result set. Engine failures fall through to the next engine.
func (b *Browser) Search(ctx context.Context, query string, numResults int) SearchResponse {
	resp := SearchResponse{Query: query, Results: []SearchResult{}}
	if strings.TrimSpace(query) == "" {
		resp.Error = "search requires a query"
		return resp
	}
	if numResults <= 0 {
		numResults = b.cfg.DefaultResults
	}
	if numResults <= 0 {
		numResults = 8
	}

	for _, engine := range b.engines {
		items, err := engine.search(ctx, query, numResults)
		if err != nil {
			b.logger.Warn("Search engine failed", "engine", engine.name, "error", err)
			continue
		}
		if len(items) > 0 {
			b.logger.Info("Search succeeded", "engine", engine.name, "query", query, "results", len(items))
			resp.Success = true
			resp.Results = items
			return resp
		}
	}
	resp.Error = "all search engines failed"
	return resp
}

// Fetch retrieves a page and extracts its title and text content.
// 4xx responses return immediately with whatever content the body yields;
// 5xx, network errors and timeouts are retried with linear backoff.
func (b *Browser) Fetch(ctx context.Context, pageURL string, extractContent bool) FetchResult {
	if pageURL == "" {
		return FetchResult{Error: "fetch requires a url"}
	}
	if cached, ok := b.cache.Get(cacheKey(pageURL, extractContent)); ok {
		return cached
	}

	var last FetchResult
	for attempt := 0; attempt <= fetchMaxRetries; attempt++ {
		result, retryable := b.fetchOnce(ctx, pageURL, extractContent)
		if result.Success {
			b.cache.Add(cacheKey(pageURL, extractContent), result)
			return result
		}
		last = result
		if !retryable || attempt == fetchMaxRetries {
			break
		}
		b.logger.Info("Fetch failed, retrying",
			"url", pageURL,
			"attempt", attempt+1,
			"error", result.Error)
		if err := b.sleep(ctx, time.Duration(attempt+1)*time.Second); err != nil {
			last.Error = err.Error()
			break
		}
	}
	return last
}

// fetchOnce performs a single GET. The second return value reports whether
// the failure is worth retrying.
func (b *Browser) fetchOnce(ctx context.Context, pageURL string, extractContent bool) (FetchResult, bool) {
	result := FetchResult{URL: pageURL}

	timeout := b.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		result.Error = fmt.Sprintf("invalid url: %v", err)
		return result, false
	}
	b.setBrowserHeaders(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
			result.Error = fmt.Sprintf("request timed out after %s", timeout)
		} else {
			result.Error = fmt.Sprintf("network error: %v", err)
		}
		return result, true
	}
	defer func() { _ = resp.Body.Close() }()
	result.URL = resp.Request.URL.String()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = fmt.Sprintf("reading response: %v", err)
		return result, true
	}

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			// Error pages often still carry useful text.
			result.Title = extractTitle(string(body))
			if extractContent {
				result.Content = b.truncate(extractText(string(body)))
			}
			return result, false
		}
		return result, true
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		page := string(body)
		result.Title = extractTitle(page)
		if extractContent {
			result.Content = b.truncate(extractText(page))
		}
	case strings.Contains(contentType, "application/json"):
		result.Title = "JSON Response"
		if extractContent {
			result.Content = b.truncate(string(body))
		}
	case strings.Contains(contentType, "text/"):
		result.Title = "Text Response"
		if extractContent {
			result.Content = b.truncate(string(body))
		}
	default:
		result.Title = "Binary: " + contentType
		result.Content = "[non-text content: " + contentType + "]"
	}
	result.Success = true
	return result, false
}

func (b *Browser) setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,zh-CN;q=0.8")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Cache-Control", "max-age=0")
}

// truncate caps extracted text at the configured size with a notice so the
// model knows it saw a prefix.
func (b *Browser) truncate(text string) string {
	limit := b.cfg.MaxContentChars
	if limit <= 0 {
		limit = 15000
	}
	if len(text) <= limit {
		return text
	}
	return text[:limit] + fmt.Sprintf("\n\n[content truncated: %d of %d chars shown]", limit, len(text))
}

func cacheKey(pageURL string, extractContent bool) string {
	if extractContent {
		return pageURL + "#content"
	}
	return pageURL + "#head"
}

// --- search engines ---

func (b *Browser) searchBing(ctx context.Context, query string, numResults int) ([]SearchResult, error) {
	searchURL := fmt.Sprintf("https://www.bing.com/search?q=%s&count=%d&ensearch=1",
		url.QueryEscape(query), numResults)

	doc, err := b.fetchDocument(ctx, searchURL)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	doc.Find("li.b_algo").EachWithBreak(func(_ int, block *goquery.Selection) bool {
		link := block.Find("h2 a").First()
		href, _ := link.Attr("href")
		title := strings.TrimSpace(link.Text())
		if href == "" || title == "" {
			return true
		}
		// Bing wraps some results in redirect links; the cite element
		// carries the display URL in that case.
		if strings.Contains(href, "bing.com/ck/") {
			cite := strings.TrimSpace(block.Find("cite").First().Text())
			cite = strings.ReplaceAll(cite, " › ", "/")
			cite = strings.ReplaceAll(cite, "›", "/")
			if cite != "" {
				if !strings.HasPrefix(cite, "http") {
					cite = "https://" + cite
				}
				href = cite
			}
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     href,
			Snippet: strings.TrimSpace(block.Find("p").First().Text()),
		})
		return len(results) < numResults
	})
	return results, nil
}

func (b *Browser) searchDuckDuckGo(ctx context.Context, query string, numResults int) ([]SearchResult, error) {
	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)

	doc, err := b.fetchDocument(ctx, searchURL)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	doc.Find("div.result").EachWithBreak(func(_ int, block *goquery.Selection) bool {
		link := block.Find("a.result__a").First()
		href, _ := link.Attr("href")
		title := strings.TrimSpace(link.Text())
		if href == "" || title == "" {
			return true
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     resolveDuckDuckGoURL(href),
			Snippet: strings.TrimSpace(block.Find(".result__snippet").First().Text()),
		})
		return len(results) < numResults
	})
	return results, nil
}

// resolveDuckDuckGoURL unwraps the engine's redirect links, which carry
// the target in the uddg query parameter.
func resolveDuckDuckGoURL(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
		return target
	}
	if parsed.Scheme == "" {
		return "https:" + href
	}
	return href
}

func (b *Browser) fetchDocument(ctx context.Context, searchURL string) (*goquery.Document, error) {
	timeout := b.cfg.SearchTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	b.setBrowserHeaders(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing search page: %w", err)
	}
	return doc, nil
}

// --- text extraction ---

// Pre-strip expressions for content that the tag-tracking pass should
// never see. Regex handles the malformed markup some sites emit better
// than strict tokenizing does.
var (
	unwantedTagRe = regexp.MustCompile(`(?is)<(script|style|noscript|svg|head)[\s>].*?</(script|style|noscript|svg|head)\s*>`)
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	titleRe       = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

// extractText pulls visible text out of an HTML page in two passes: a
// regex pre-strip of invisible subtrees, then a tokenizer walk that
// tracks skip-tag depth as a second line of defense.
func extractText(page string) string {
	cleaned := unwantedTagRe.ReplaceAllString(page, "")
	cleaned = htmlCommentRe.ReplaceAllString(cleaned, "")

	skipTags := map[string]bool{
		"script": true, "style": true, "noscript": true, "svg": true, "head": true,
	}

	var parts []string
	skipDepth := 0
	tokenizer := html.NewTokenizer(strings.NewReader(cleaned))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(parts, "\n")
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if skipTags[strings.ToLower(string(name))] {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skipTags[strings.ToLower(string(name))] && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				if text := strings.TrimSpace(string(tokenizer.Text())); text != "" {
					parts = append(parts, text)
				}
			}
		}
	}
}

func extractTitle(page string) string {
	m := titleRe.FindStringSubmatch(page)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(m[1]))
}
