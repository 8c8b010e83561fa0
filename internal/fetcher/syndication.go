package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"xwatch/internal/model"
)

// DefaultSyndicationURL is the timeline-profile endpoint; %s is the screen name.
const DefaultSyndicationURL = "https://syndication.twitter.com/srv/timeline-profile/screen-name/%s"

var nextDataRe = regexp.MustCompile(`(?s)<script id="__NEXT_DATA__" type="application/json">(.*?)</script>`)

var userAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Syndication is the primary channel: the public timeline-profile page,
// which embeds the timeline as JSON.
type Syndication struct {
	client  HTTPClient
	urlFmt  string
	linkFmt string
}

// NewSyndication creates a primary channel client.
func NewSyndication(client HTTPClient) *Syndication {
	return &Syndication{
		client:  client,
		urlFmt:  DefaultSyndicationURL,
		linkFmt: "https://x.com/%s/status/%s",
	}
}

// SetURLFormat overrides the endpoint (useful for testing).
func (s *Syndication) SetURLFormat(f string) {
	s.urlFmt = f
}

// Channel returns the channel name.
func (s *Syndication) Channel() string { return ChannelSyndication }

// Fetch downloads the subject's timeline page and extracts its items.
func (s *Syndication) Fetch(ctx context.Context, subject string) model.Outcome {
	header := http.Header{}
	header.Set("User-Agent", userAgents[rand.IntN(len(userAgents))])
	header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	header.Set("Accept-Language", "en-US,en;q=0.5")

	body, err := get(ctx, s.client, fmt.Sprintf(s.urlFmt, url.PathEscape(subject)), header)
	if err != nil {
		return Classify(err)
	}

	items, err := s.parse(subject, body)
	if err != nil {
		return Classify(err)
	}
	return model.Succeeded(items)
}

type nextData struct {
	Props struct {
		PageProps struct {
			Timeline struct {
				Entries []struct {
					Content struct {
						Tweet *rawTweet `json:"tweet"`
					} `json:"content"`
				} `json:"entries"`
			} `json:"timeline"`
		} `json:"pageProps"`
	} `json:"props"`
}

type rawTweet struct {
	IDStr            string      `json:"id_str"`
	ID               json.Number `json:"id"`
	FullText         string      `json:"full_text"`
	Text             string      `json:"text"`
	CreatedAt        string      `json:"created_at"`
	Entities         *entities   `json:"entities"`
	ExtendedEntities *entities   `json:"extended_entities"`
}

type entities struct {
	Media []rawMedia `json:"media"`
}

type rawMedia struct {
	Type          string `json:"type"`
	MediaURLHTTPS string `json:"media_url_https"`
	MediaURL      string `json:"media_url"`
	VideoInfo     struct {
		Variants []struct {
			ContentType string `json:"content_type"`
			Bitrate     int    `json:"bitrate"`
			URL         string `json:"url"`
		} `json:"variants"`
	} `json:"video_info"`
}

func (s *Syndication) parse(subject string, body []byte) ([]model.Item, error) {
	m := nextDataRe.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("timeline data not found: %w", ErrMalformed)
	}

	var data nextData
	if err := json.Unmarshal(m[1], &data); err != nil {
		return nil, fmt.Errorf("decode timeline: %v: %w", err, ErrMalformed)
	}

	var items []model.Item
	for _, entry := range data.Props.PageProps.Timeline.Entries {
		tw := entry.Content.Tweet
		if tw == nil {
			continue
		}
		id := tw.IDStr
		if id == "" {
			id = tw.ID.String()
		}
		if id == "" {
			continue
		}
		text := tw.FullText
		if text == "" {
			text = tw.Text
		}
		items = append(items, model.Item{
			Subject:  subject,
			ID:       id,
			PostedAt: parseTweetTime(tw.CreatedAt),
			Text:     strings.TrimSpace(text),
			URL:      fmt.Sprintf(s.linkFmt, subject, id),
			Media:    extractMedia(tw),
		})
	}
	return reverse(items), nil
}

func parseTweetTime(raw string) time.Time {
	for _, layout := range []string{time.RubyDate, time.RFC3339, time.RFC1123Z} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// extractMedia returns photos by URL and videos/GIFs by their best mp4 variant.
func extractMedia(tw *rawTweet) []model.Media {
	ents := tw.ExtendedEntities
	if ents == nil {
		ents = tw.Entities
	}
	if ents == nil {
		return nil
	}

	var media []model.Media
	for _, m := range ents.Media {
		switch m.Type {
		case "photo":
			u := m.MediaURLHTTPS
			if u == "" {
				u = m.MediaURL
			}
			if u != "" {
				media = append(media, model.Media{Kind: model.MediaPhoto, URL: u})
			}
		case "video", "animated_gif":
			best, bestRate := "", -1
			for _, v := range m.VideoInfo.Variants {
				if v.ContentType != "video/mp4" || v.URL == "" {
					continue
				}
				if v.Bitrate > bestRate {
					best, bestRate = v.URL, v.Bitrate
				}
			}
			if best == "" && len(m.VideoInfo.Variants) > 0 {
				best = m.VideoInfo.Variants[0].URL
			}
			if best != "" {
				media = append(media, model.Media{Kind: model.MediaVideo, URL: best})
			}
		}
	}
	return media
}
