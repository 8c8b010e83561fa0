package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"xwatch/internal/model"
)

var (
	statusIDRe = regexp.MustCompile(`/status(?:es)?/(\d+)`)
	imgSrcRe   = regexp.MustCompile(`(?i)<img[^>]+src="([^"]+)"`)
	videoSrcRe = regexp.MustCompile(`(?i)<video[^>]+src="([^"]+)"`)
	brRe       = regexp.MustCompile(`(?i)<br\s*/?>`)
	htmlTagRe  = regexp.MustCompile(`<[^>]*>`)
)

// RSSHub is the fallback channel: an RSSHub instance serving
// <base>/twitter/user/<name> as RSS.
type RSSHub struct {
	client HTTPClient

	mu      sync.RWMutex
	baseURL string
}

// NewRSSHub creates a fallback channel client for the given instance.
func NewRSSHub(client HTTPClient, baseURL string) *RSSHub {
	return &RSSHub{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// SetBaseURL switches the instance; applied on configuration reload.
func (r *RSSHub) SetBaseURL(baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseURL = strings.TrimRight(baseURL, "/")
}

// BaseURL returns the configured instance.
func (r *RSSHub) BaseURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.baseURL
}

// Channel returns the channel name.
func (r *RSSHub) Channel() string { return ChannelRSSHub }

// Fetch downloads and parses the subject's feed.
func (r *RSSHub) Fetch(ctx context.Context, subject string) model.Outcome {
	base := r.BaseURL()
	if base == "" {
		return model.Permanent(fmt.Errorf("rsshub base url not configured"))
	}

	body, err := get(ctx, r.client, base+"/twitter/user/"+url.PathEscape(subject), nil)
	if err != nil {
		return Classify(err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return Classify(fmt.Errorf("parse feed: %v: %w", err, ErrMalformed))
	}

	items := make([]model.Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		items = append(items, feedItem(subject, it))
	}
	return model.Succeeded(reverse(items))
}

func feedItem(subject string, it *gofeed.Item) model.Item {
	text := stripHTML(it.Description)
	if text == "" {
		text = strings.TrimSpace(it.Title)
	}
	return model.Item{
		Subject:  subject,
		ID:       ItemID(it),
		PostedAt: publishedTime(it),
		Text:     text,
		URL:      it.Link,
		Media:    feedMedia(it),
	}
}

// ItemID returns the upstream status ID embedded in the item's link or GUID.
// If neither carries one, the GUID is used, and failing that a SHA-256 hash of title+link.
func ItemID(item *gofeed.Item) string {
	for _, s := range []string{item.Link, item.GUID} {
		if m := statusIDRe.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func publishedTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return time.Time{}
}

func feedMedia(item *gofeed.Item) []model.Media {
	var media []model.Media
	seen := make(map[string]bool)
	add := func(kind model.MediaKind, u string) {
		u = html.UnescapeString(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		media = append(media, model.Media{Kind: kind, URL: u})
	}

	for _, enc := range item.Enclosures {
		switch {
		case strings.HasPrefix(enc.Type, "image/"):
			add(model.MediaPhoto, enc.URL)
		case strings.HasPrefix(enc.Type, "video/"):
			add(model.MediaVideo, enc.URL)
		}
	}
	for _, m := range videoSrcRe.FindAllStringSubmatch(item.Description, -1) {
		add(model.MediaVideo, m[1])
	}
	for _, m := range imgSrcRe.FindAllStringSubmatch(item.Description, -1) {
		add(model.MediaPhoto, m[1])
	}
	return media
}

func stripHTML(s string) string {
	s = brRe.ReplaceAllString(s, "\n")
	s = htmlTagRe.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}
