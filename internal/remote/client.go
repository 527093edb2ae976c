package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"cratekeeper/internal/models"
)

// Client talks to the remote catalog API that holds user collections.
// All requests pass through a rate limiter; the upstream throttles
// aggressively and 429s are retried with backoff on top of that.
type Client struct {
	baseURL    string
	userAgent  string
	http       *resty.Client
	limiter    *rate.Limiter
	titleCache *lruCache
}

// NewClient creates a remote catalog API client
func NewClient(baseURL, userAgent string) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		titleCache: newLRUCache(1024),
	}

	c.http = resty.New().
		SetHeader("User-Agent", userAgent).
		SetTimeout(60 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return c
}

// Get performs a rate-limited GET against the remote API
func (c *Client) Get(ctx context.Context, token, endpoint string, params map[string]string) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token)
	if params != nil {
		req.SetQueryParams(params)
	}

	return req.Get(c.buildURL(endpoint))
}

// FetchCollection retrieves the user's full collection, following pagination
// until the remote reports no further pages.
func (c *Client) FetchCollection(ctx context.Context, token string) ([]models.CollectionItem, error) {
	items := []models.CollectionItem{}
	page := 1

	for {
		params := map[string]string{
			"page":     fmt.Sprintf("%d", page),
			"per_page": "100",
		}

		resp, err := c.Get(ctx, token, "/users/me/collection", params)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch collection page %d: %w", page, err)
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("collection request failed: %s", resp.Status())
		}

		var body struct {
			Pagination struct {
				Page  int `json:"page"`
				Pages int `json:"pages"`
			} `json:"pagination"`
			Releases []struct {
				ID         int64 `json:"id"`
				InstanceID int64 `json:"instance_id"`
				FolderID   int64 `json:"folder_id"`
				Rating     int   `json:"rating"`
				DateAdded  string `json:"date_added"`
				BasicInfo  struct {
					Title   string `json:"title"`
					Year    int    `json:"year"`
					Artists []struct {
						Name string `json:"name"`
					} `json:"artists"`
				} `json:"basic_information"`
			} `json:"releases"`
		}

		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return nil, fmt.Errorf("failed to parse collection page %d: %w", page, err)
		}

		for _, r := range body.Releases {
			item := models.CollectionItem{
				ReleaseID:  r.ID,
				InstanceID: r.InstanceID,
				FolderID:   r.FolderID,
				Rating:     r.Rating,
				Title:      r.BasicInfo.Title,
				Year:       r.BasicInfo.Year,
				AddedAt:    r.DateAdded,
			}
			if len(r.BasicInfo.Artists) > 0 {
				item.Artist = r.BasicInfo.Artists[0].Name
			}
			items = append(items, item)
			c.titleCache.Put(fmt.Sprintf("%d", r.ID), item.Title)
		}

		if body.Pagination.Pages == 0 || page >= body.Pagination.Pages {
			break
		}
		page++
	}

	return items, nil
}

// ReleaseTitle resolves a release ID to its title, with caching. Falls back
// to the ID string when the remote lookup fails.
func (c *Client) ReleaseTitle(ctx context.Context, token string, releaseID int64) string {
	key := fmt.Sprintf("%d", releaseID)
	if title, ok := c.titleCache.Get(key); ok {
		return title
	}

	resp, err := c.Get(ctx, token, fmt.Sprintf("/releases/%d", releaseID), nil)
	if err != nil || !resp.IsSuccess() {
		c.titleCache.Put(key, key)
		return key
	}

	var result struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil || result.Title == "" {
		c.titleCache.Put(key, key)
		return key
	}

	c.titleCache.Put(key, result.Title)
	return result.Title
}

// SetTimeout allows customizing the timeout for specific operations
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}

func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}
