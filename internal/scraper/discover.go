package scraper

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/naozine/nz-html-fetch/pkg/htmlfetch"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// listingPath marks links that point at a single listing
const listingPath = "/d/uk/obyavlenie/"

var listingLinks = cascadia.MustCompile("a[href*='" + listingPath + "']")

// DiscoverOptions configures the search-page fetcher
type DiscoverOptions struct {
	BrowserPath string
	Stealth     bool
}

// Discoverer collects listing URLs from rendered search result pages
type Discoverer struct {
	fetcher *htmlfetch.Fetcher
	logger  *zap.Logger
}

// NewDiscoverer starts a fetcher browser; Close must be called when done
func NewDiscoverer(opts DiscoverOptions, logger *zap.Logger) (*Discoverer, error) {
	fetcherOpts := []htmlfetch.Option{htmlfetch.WithStealth(opts.Stealth)}
	if opts.BrowserPath != "" {
		fetcherOpts = append(fetcherOpts, htmlfetch.WithBrowserPath(opts.BrowserPath))
	}

	fetcher := htmlfetch.New(fetcherOpts...)
	if err := fetcher.Start(); err != nil {
		return nil, eris.Wrap(err, "failed to start fetcher")
	}

	return &Discoverer{fetcher: fetcher, logger: logger.Named("discover")}, nil
}

// Close stops the fetcher browser
func (d *Discoverer) Close() error {
	return d.fetcher.Close()
}

// Discover walks up to maxPages result pages starting at searchURL and
// returns unique listing URLs in the order they were found. It stops early
// when a page adds nothing new.
func (d *Discoverer) Discover(ctx context.Context, searchURL string, maxPages int) ([]string, error) {
	if maxPages <= 0 {
		maxPages = 1
	}

	seen := make(map[string]bool)
	var urls []string

	for page := 1; page <= maxPages; page++ {
		pageURL, err := PageURL(searchURL, page)
		if err != nil {
			return urls, err
		}

		result, err := d.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if page == 1 {
				return nil, eris.Wrapf(err, "failed to fetch %s", pageURL)
			}
			d.logger.Warn("stopping discovery", zap.String("url", pageURL), zap.Error(err))
			break
		}

		base := result.FinalURL
		if base == "" {
			base = pageURL
		}
		links, err := ExtractListingLinks(base, strings.NewReader(result.HTML))
		if err != nil {
			return urls, err
		}

		added := 0
		for _, link := range links {
			if !seen[link] {
				seen[link] = true
				urls = append(urls, link)
				added++
			}
		}

		d.logger.Info("search page scanned",
			zap.Int("page", page),
			zap.Int("new", added),
			zap.Int("total", len(urls)))

		if added == 0 {
			break
		}
	}

	return urls, nil
}

// PageURL returns searchURL for page 1 and adds ?page=N for later pages
func PageURL(searchURL string, page int) (string, error) {
	u, err := url.Parse(searchURL)
	if err != nil {
		return "", eris.Wrapf(err, "invalid search url %q", searchURL)
	}
	if page <= 1 {
		return u.String(), nil
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExtractListingLinks parses an HTML document and returns the absolute,
// de-duplicated listing links it contains, resolved against base
func ExtractListingLinks(base string, r io.Reader) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid base url %q", base)
	}

	doc, err := html.Parse(r)
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse html")
	}

	seen := make(map[string]bool)
	var links []string
	for _, node := range cascadia.QueryAll(doc, listingLinks) {
		href := attr(node, "href")
		if href == "" {
			continue
		}

		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			continue
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		abs.Fragment = ""

		link := abs.String()
		if !strings.Contains(link, listingPath) || seen[link] {
			continue
		}
		seen[link] = true
		links = append(links, link)
	}

	return links, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
