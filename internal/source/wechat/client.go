// Package wechat talks to the official-account platform API: identifier
// search over searchbiz and paginated listing fetch over appmsg.
package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"mp_watcher/internal/domain"
)

const (
	searchPath = "/cgi-bin/searchbiz"
	listPath   = "/cgi-bin/appmsg"

	// platform ret code for frequency control
	retFreqControl = 200013

	// listing page size fixed by the platform
	pageSize = 5

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"
	referer   = "https://mp.weixin.qq.com/"
)

// Config holds platform client configuration.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	MaxAttempts       int
	RateLimitWait     time.Duration
	MinDelay          time.Duration
	MaxDelay          time.Duration
	RequestsPerMinute int
}

// Client implements service.Source against the platform API.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	maxAttempts   int
	rateLimitWait time.Duration
	minDelay      time.Duration
	maxDelay      time.Duration
	limiter       *rate.Limiter
	logger        *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:       cfg.BaseURL,
		maxAttempts:   cfg.MaxAttempts,
		rateLimitWait: cfg.RateLimitWait,
		minDelay:      cfg.MinDelay,
		maxDelay:      cfg.MaxDelay,
		limiter:       limiter,
		logger:        logger.With("source", "wechat"),
	}
}

// Search looks up candidate accounts by display name. Frequency control is
// retried with the configured fixed wait up to MaxAttempts; other errors
// are returned as-is.
func (c *Client) Search(ctx context.Context, cred *domain.Credential, name string) ([]domain.AccountMatch, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		matches, err := c.doSearch(ctx, cred, name)
		if err == nil {
			return matches, nil
		}
		lastErr = err

		if !errors.Is(err, domain.ErrRateLimited) || attempt == c.maxAttempts {
			break
		}

		c.logger.Warn("search frequency controlled, waiting",
			"attempt", attempt,
			"wait", c.rateLimitWait,
		)
		if err := sleep(ctx, c.rateLimitWait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doSearch(ctx context.Context, cred *domain.Credential, name string) ([]domain.AccountMatch, error) {
	q := url.Values{}
	q.Set("action", "search_biz")
	q.Set("scene", "1")
	q.Set("begin", "0")
	q.Set("count", "10")
	q.Set("query", name)
	q.Set("token", cred.Token)
	q.Set("lang", "zh_CN")
	q.Set("f", "json")
	q.Set("ajax", "1")

	var resp searchResponse
	if err := c.doRequest(ctx, cred, searchPath, q, &resp); err != nil {
		return nil, err
	}

	if resp.Ret == retFreqControl {
		return nil, fmt.Errorf("%w: searchbiz ret=%d", domain.ErrRateLimited, resp.Ret)
	}
	if resp.Ret != 0 {
		return nil, fmt.Errorf("searchbiz error ret=%d msg=%q", resp.Ret, resp.ErrMsg)
	}

	matches := make([]domain.AccountMatch, 0, len(resp.List))
	for _, item := range resp.List {
		avatar := item.RoundHeadImg
		if avatar == "" {
			avatar = item.HeadImg
		}
		if avatar == "" {
			avatar = item.Avatar
		}
		matches = append(matches, domain.AccountMatch{
			ExternalID: item.FakeID,
			Name:       item.Nickname,
			AvatarURL:  avatar,
		})
	}
	return matches, nil
}

// FetchListings retrieves up to pages listing pages for the resolved
// account id, pausing a randomized politeness delay between pages. A page
// shorter than the platform page size ends the walk early.
func (c *Client) FetchListings(ctx context.Context, cred *domain.Credential, externalID string, pages int) ([]domain.Listing, error) {
	var out []domain.Listing

	for page := 0; page < pages; page++ {
		if page > 0 {
			if err := sleep(ctx, c.politenessDelay()); err != nil {
				return nil, err
			}
		}

		items, err := c.fetchPage(ctx, cred, externalID, page*pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		for _, msg := range items {
			out = append(out, domain.Listing{
				Title:       msg.Title,
				URL:         msg.Link,
				PublishedAt: time.Unix(msg.UpdateTime, 0).UTC(),
			})
		}

		c.logger.Debug("fetched listing page",
			"page", page,
			"items", len(items),
			"total", len(out),
		)

		if len(items) < pageSize {
			break
		}
	}

	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, cred *domain.Credential, externalID string, begin int) ([]appMsg, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		items, err := c.doList(ctx, cred, externalID, begin)
		if err == nil {
			return items, nil
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}

		wait := c.politenessDelay()
		if errors.Is(err, domain.ErrRateLimited) {
			wait = c.rateLimitWait
		}
		c.logger.Warn("listing request failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) doList(ctx context.Context, cred *domain.Credential, externalID string, begin int) ([]appMsg, error) {
	q := url.Values{}
	q.Set("action", "list_ex")
	q.Set("begin", strconv.Itoa(begin))
	q.Set("count", strconv.Itoa(pageSize))
	q.Set("fakeid", externalID)
	q.Set("type", "9")
	q.Set("token", cred.Token)
	q.Set("lang", "zh_CN")
	q.Set("f", "json")
	q.Set("ajax", "1")

	var resp listResponse
	if err := c.doRequest(ctx, cred, listPath, q, &resp); err != nil {
		return nil, err
	}

	if resp.BaseResp.Ret == retFreqControl {
		return nil, fmt.Errorf("%w: appmsg ret=%d", domain.ErrRateLimited, resp.BaseResp.Ret)
	}
	if resp.BaseResp.Ret != 0 {
		return nil, fmt.Errorf("appmsg error ret=%d msg=%q", resp.BaseResp.Ret, resp.BaseResp.ErrMsg)
	}

	return resp.AppMsgList, nil
}

func (c *Client) doRequest(ctx context.Context, cred *domain.Credential, path string, q url.Values, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Cookie", cred.Cookie)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)
	req.Header.Set("Accept", "application/json,text/javascript,*/*;q=0.01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) politenessDelay() time.Duration {
	d := c.minDelay
	if c.maxDelay > c.minDelay {
		d += rand.N(c.maxDelay - c.minDelay)
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
