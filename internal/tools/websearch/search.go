// Package websearch provides the web_search tool. Queries go to the Brave
// Search API when a key is configured and fall back to the DuckDuckGo
// instant-answer API otherwise; responses are cached with a TTL.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/tools"
)

// Backend selects the search provider.
type Backend string

const (
	BackendDuckDuckGo Backend = "duckduckgo"
	BackendBrave      Backend = "brave"

	// maxCacheEntries bounds the response cache.
	maxCacheEntries = 1000

	defaultResultCount = 5
	maxResultCount     = 20
	defaultCacheTTL    = 5 * time.Minute
)

// Config holds backend credentials and cache settings.
type Config struct {
	BraveAPIKey    string        `json:"brave_api_key,omitempty"`
	DefaultBackend Backend       `json:"default_backend,omitempty"`
	CacheTTL       time.Duration `json:"cache_ttl,omitempty"`
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Response is the full answer for one query.
type Response struct {
	Query       string   `json:"query"`
	Results     []Result `json:"results"`
	ResultCount int      `json:"result_count"`
	Backend     Backend  `json:"backend"`
}

type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// SearchTool implements web_search.
type SearchTool struct {
	config     Config
	httpClient *http.Client

	braveBaseURL string
	ddgBaseURL   string

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry
}

// NewSearchTool creates the web_search tool, applying defaults.
func NewSearchTool(config Config) *SearchTool {
	if config.CacheTTL == 0 {
		config.CacheTTL = defaultCacheTTL
	}
	if config.DefaultBackend == "" {
		if config.BraveAPIKey != "" {
			config.DefaultBackend = BackendBrave
		} else {
			config.DefaultBackend = BackendDuckDuckGo
		}
	}
	return &SearchTool{
		config:       config,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		braveBaseURL: "https://api.search.brave.com/res/v1/web/search",
		ddgBaseURL:   "https://api.duckduckgo.com/",
		cache:        make(map[string]*cacheEntry),
	}
}

func (t *SearchTool) Name() string { return "web_search" }

func (t *SearchTool) Description() string {
	return "Search the web and return titles, URLs, and snippets for the top results."
}

func (t *SearchTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalRules }

type searchInput struct {
	Query       string `json:"query" jsonschema:"description=The search query."`
	ResultCount int    `json:"result_count,omitempty" jsonschema:"minimum=1,maximum=20,description=Number of results to return (default 5)."`
}

func (t *SearchTool) Schema() json.RawMessage { return tools.GenerateSchema(searchInput{}) }

func (t *SearchTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input searchInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if input.Query == "" {
		return tools.Errorf("query is required"), nil
	}
	count := input.ResultCount
	if count <= 0 {
		count = defaultResultCount
	}
	if count > maxResultCount {
		count = maxResultCount
	}

	cacheKey := fmt.Sprintf("%s:%d:%s", t.config.DefaultBackend, count, input.Query)
	if cached := t.fromCache(cacheKey); cached != nil {
		return formatResponse(cached), nil
	}

	response, err := t.search(ctx, t.config.DefaultBackend, input.Query, count)
	if err != nil && t.config.DefaultBackend != BackendDuckDuckGo {
		response, err = t.search(ctx, BackendDuckDuckGo, input.Query, count)
	}
	if err != nil {
		return tools.Errorf("search failed: %v", err), nil
	}

	t.putInCache(cacheKey, response)
	return formatResponse(response), nil
}

func (t *SearchTool) search(ctx context.Context, backend Backend, query string, count int) (*Response, error) {
	switch backend {
	case BackendBrave:
		return t.searchBrave(ctx, query, count)
	case BackendDuckDuckGo:
		return t.searchDuckDuckGo(ctx, query, count)
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
}

func formatResponse(response *Response) *tools.Result {
	output, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return tools.Errorf("format response: %v", err)
	}
	return &tools.Result{Content: string(output)}
}

func (t *SearchTool) fromCache(key string) *Response {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	entry, ok := t.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (t *SearchTool) putInCache(key string, response *Response) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	now := time.Now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}
	for len(t.cache) >= maxCacheEntries {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
			}
		}
		delete(t.cache, oldestKey)
	}
	t.cache[key] = &cacheEntry{response: response, expiresAt: now.Add(t.config.CacheTTL)}
}

func (t *SearchTool) searchDuckDuckGo(ctx context.Context, query string, count int) (*Response, error) {
	reqURL := fmt.Sprintf("%s?q=%s&format=json&no_html=1", t.ddgBaseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; LoomBot/1.0)")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var ddg struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddg); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]Result, 0, count)
	if ddg.AbstractText != "" && ddg.AbstractURL != "" {
		results = append(results, Result{
			Title:   ddg.Heading,
			URL:     ddg.AbstractURL,
			Snippet: ddg.AbstractText,
		})
	}
	for _, topic := range ddg.RelatedTopics {
		if len(results) >= count {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, Result{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
	}

	return &Response{
		Query:       query,
		Results:     results,
		ResultCount: len(results),
		Backend:     BackendDuckDuckGo,
	}, nil
}

func (t *SearchTool) searchBrave(ctx context.Context, query string, count int) (*Response, error) {
	if t.config.BraveAPIKey == "" {
		return nil, fmt.Errorf("brave api key not configured")
	}

	searchURL, err := url.Parse(t.braveBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", fmt.Sprintf("%d", count))
	searchURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.config.BraveAPIKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave returned status %d: %s", resp.StatusCode, string(body))
	}

	var brave struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &brave); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]Result, 0, len(brave.Web.Results))
	for _, r := range brave.Web.Results {
		if len(results) >= count {
			break
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}

	return &Response{
		Query:       query,
		Results:     results,
		ResultCount: len(results),
		Backend:     BackendBrave,
	}, nil
}
