package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("search api key is not configured")

type APIError struct {
	StatusCode int
	Body       string
}

func (e APIError) Error() string {
	return fmt.Sprintf("search returned %d: %s", e.StatusCode, e.Body)
}

type Item struct {
	Title   string
	URL     string
	Content string
}

type Result struct {
	Answer string
	Items  []Item
}

type Searcher interface {
	Search(ctx context.Context, query string) (*Result, error)
}

type Client struct {
	apiKey     string
	baseURL    string
	maxResults int
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		maxResults: 5,
		httpClient: httpClient,
	}
}

type searchReq struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResp struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (c *Client) Search(ctx context.Context, query string) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return &Result{}, nil
	}

	body, err := json.Marshal(searchReq{Query: q, MaxResults: c.maxResults, IncludeAnswer: true})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var parsed searchResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := &Result{Answer: strings.TrimSpace(parsed.Answer)}
	for _, r := range parsed.Results {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = strings.TrimSpace(r.URL)
		}
		out.Items = append(out.Items, Item{
			Title:   title,
			URL:     strings.TrimSpace(r.URL),
			Content: strings.TrimSpace(r.Content),
		})
	}
	return out, nil
}
