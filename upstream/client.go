// Package upstream fetches and parses the lazycats cart pages. The site
// has no API; countries, regions, and product cards are scraped out of
// server-rendered HTML.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/catnap/catalog"
)

const userAgent = "catnap/0.1 (+https://example.invalid)"

// crawlPace is the delay between page fetches during a full crawl, kept
// high enough that a crawl never looks like a burst to upstream.
const crawlPace = 250 * time.Millisecond

// Client fetches cart pages from one upstream base URL.
type Client struct {
	cartURL string
	http    *http.Client
}

// New returns a client for the given cart URL, e.g.
// "https://lazycats.vip/cart".
func New(cartURL string) *Client {
	return &Client{
		cartURL: cartURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// URLFor returns the page URL for one source key.
func (c *Client) URLFor(key catalog.SourceKey) string {
	if key.GID == "" {
		return fmt.Sprintf("%s?fid=%s", c.cartURL, key.FID)
	}
	return fmt.Sprintf("%s?fid=%s&gid=%s", c.cartURL, key.FID, key.GID)
}

// RegionFetch is the outcome of one instrumented page fetch.
type RegionFetch struct {
	URL            string
	HTTPStatus     int
	Bytes          int64
	ElapsedMs      int64
	ParseElapsedMs int64
	Configs        []catalog.Config
}

// FetchDetailed fetches one country or region page and parses its product
// cards. A non-2xx response or a page that parses to zero configs is an
// error: an empty result is indistinguishable from a layout change, and
// callers must not treat it as a mass delisting.
func (c *Client) FetchDetailed(ctx context.Context, key catalog.SourceKey) (*RegionFetch, error) {
	url := c.URLFor(key)

	start := time.Now()
	status, body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()

	parseStart := time.Now()
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: parse %s: %w", url, err)
	}
	configs := ParseConfigs(key.FID, key.GID, doc)
	parseElapsed := time.Since(parseStart).Milliseconds()

	if len(configs) == 0 {
		return nil, fmt.Errorf("upstream: parse produced 0 configs for %s", url)
	}

	return &RegionFetch{
		URL:            url,
		HTTPStatus:     status,
		Bytes:          int64(len(body)),
		ElapsedMs:      elapsed,
		ParseElapsedMs: parseElapsed,
		Configs:        configs,
	}, nil
}

// FetchCountries fetches and parses the cart root page.
func (c *Client) FetchCountries(ctx context.Context) ([]catalog.Country, error) {
	doc, err := c.getDoc(ctx, c.cartURL)
	if err != nil {
		return nil, err
	}
	return ParseCountries(doc), nil
}

// FetchRegions fetches one country page and parses its region selector.
// An empty result means the country lists configs directly.
func (c *Client) FetchRegions(ctx context.Context, fid string) ([]catalog.Region, error) {
	doc, err := c.getDoc(ctx, c.URLFor(catalog.SourceKey{FID: fid}))
	if err != nil {
		return nil, err
	}
	return ParseRegions(fid, doc), nil
}

// FetchConfigs fetches one source page and parses its configs without the
// zero-config guard. Callers that reconcile lifecycle state rely on the
// store's empty-fetch protection instead.
func (c *Client) FetchConfigs(ctx context.Context, key catalog.SourceKey) ([]catalog.Config, error) {
	doc, err := c.getDoc(ctx, c.URLFor(key))
	if err != nil {
		return nil, err
	}
	return ParseConfigs(key.FID, key.GID, doc), nil
}

// FetchCatalog crawls the whole cart: the root page for countries, each
// country page for regions or directly-listed configs, and each region
// page for configs. Fetches are paced sequentially.
func (c *Client) FetchCatalog(ctx context.Context) (*catalog.Snapshot, error) {
	rootDoc, err := c.getDoc(ctx, c.cartURL)
	if err != nil {
		return nil, err
	}
	countries := ParseCountries(rootDoc)

	var (
		regions []catalog.Region
		configs []catalog.Config
	)
	for _, country := range countries {
		fidDoc, err := c.getDoc(ctx, c.URLFor(catalog.SourceKey{FID: country.ID}))
		if err != nil {
			return nil, err
		}
		fidRegions := ParseRegions(country.ID, fidDoc)
		if len(fidRegions) == 0 {
			// No region selector: configs sit on the country page itself.
			configs = append(configs, ParseConfigs(country.ID, "", fidDoc)...)
		}
		regions = append(regions, fidRegions...)

		for _, r := range fidRegions {
			key := catalog.SourceKey{FID: country.ID, GID: r.ID}
			gidDoc, err := c.getDoc(ctx, c.URLFor(key))
			if err != nil {
				return nil, err
			}
			configs = append(configs, ParseConfigs(country.ID, r.ID, gidDoc)...)
			if err := sleepCtx(ctx, crawlPace); err != nil {
				return nil, err
			}
		}

		if err := sleepCtx(ctx, crawlPace); err != nil {
			return nil, err
		}
	}

	fetchedAt := time.Now().UTC()
	for i := range configs {
		configs[i].Inventory.CheckedAt = fetchedAt
	}

	return &catalog.Snapshot{
		Countries: countries,
		Regions:   regions,
		Configs:   configs,
		FetchedAt: fetchedAt,
		SourceURL: c.cartURL,
	}, nil
}

func (c *Client) get(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream: get %s: %w", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil, fmt.Errorf("upstream: http %d for %s", res.StatusCode, url)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("upstream: read %s: %w", url, err)
	}
	return res.StatusCode, body, nil
}

func (c *Client) getDoc(ctx context.Context, url string) (*html.Node, error) {
	_, body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: parse %s: %w", url, err)
	}
	return doc, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
