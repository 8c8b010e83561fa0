// Package notify delivers items to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"xwatch/internal/model"
)

// maxGroup is Telegram's limit on media per album.
const maxGroup = 10

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(c tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

// Options tunes delivery.
type Options struct {
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
	Location   *time.Location
}

// Telegram sends rendered items to one chat.
type Telegram struct {
	api      telegramAPI
	chatID   atomic.Int64
	limiter  *rate.Limiter
	retryMax uint64
	base     time.Duration
	loc      *time.Location
	log      *slog.Logger
}

// New creates a Telegram sink authenticated with token.
func New(token string, chatID int64, opts Options, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return NewWithAPI(api, chatID, opts, log), nil
}

// NewWithAPI creates a Telegram sink around an existing API client (useful for testing).
func NewWithAPI(api telegramAPI, chatID int64, opts Options, log *slog.Logger) *Telegram {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	t := &Telegram{
		api:      api,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		retryMax: uint64(opts.RetryMax),
		base:     opts.RetryBase,
		loc:      opts.Location,
		log:      log,
	}
	t.chatID.Store(chatID)
	return t
}

// SetChatID switches the destination chat; applied on configuration reload.
func (t *Telegram) SetChatID(id int64) {
	t.chatID.Store(id)
}

// Notify sends a plain text lifecycle message.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID.Load(), text)
	msg.DisableWebPagePreview = true
	return t.send(ctx, func() error {
		_, err := t.api.Send(msg)
		return err
	})
}

// Send delivers an item with its media. If the media cannot be delivered the
// item is sent as text so the content is not lost.
func (t *Telegram) Send(ctx context.Context, item model.Item) error {
	text := FormatItem(item, t.loc)
	media := item.Media
	if len(media) > maxGroup {
		media = media[:maxGroup]
	}

	if len(media) == 0 {
		return t.sendText(ctx, text)
	}

	caption := ""
	if fitsCaption(text) {
		caption = text
	}
	if err := t.sendMedia(ctx, media, caption); err != nil {
		t.log.Warn("send media failed, falling back to text", "subject", item.Subject, "item_id", item.ID, "error", err)
		return t.sendText(ctx, text)
	}
	if caption == "" {
		return t.sendText(ctx, text)
	}
	return nil
}

func (t *Telegram) sendText(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID.Load(), text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	return t.send(ctx, func() error {
		_, err := t.api.Send(msg)
		return err
	})
}

func (t *Telegram) sendMedia(ctx context.Context, media []model.Media, caption string) error {
	chatID := t.chatID.Load()

	if len(media) == 1 {
		m := media[0]
		var c tgbotapi.Chattable
		switch m.Kind {
		case model.MediaVideo:
			v := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(m.URL))
			v.Caption = caption
			v.ParseMode = tgbotapi.ModeMarkdownV2
			c = v
		default:
			p := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(m.URL))
			p.Caption = caption
			p.ParseMode = tgbotapi.ModeMarkdownV2
			c = p
		}
		return t.send(ctx, func() error {
			_, err := t.api.Send(c)
			return err
		})
	}

	files := make([]interface{}, 0, len(media))
	for i, m := range media {
		switch m.Kind {
		case model.MediaVideo:
			v := tgbotapi.NewInputMediaVideo(tgbotapi.FileURL(m.URL))
			if i == 0 {
				v.Caption = caption
				v.ParseMode = tgbotapi.ModeMarkdownV2
			}
			files = append(files, v)
		default:
			p := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(m.URL))
			if i == 0 {
				p.Caption = caption
				p.ParseMode = tgbotapi.ModeMarkdownV2
			}
			files = append(files, p)
		}
	}
	group := tgbotapi.NewMediaGroup(chatID, files)
	return t.send(ctx, func() error {
		_, err := t.api.SendMediaGroup(group)
		return err
	})
}

// send paces and retries one API call. Client errors other than 429 are not retried.
func (t *Telegram) send(ctx context.Context, call func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.base
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, t.retryMax), ctx)

	return backoff.Retry(func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := call()
		if err == nil {
			return nil
		}

		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			if tgErr.Code == 429 && tgErr.RetryAfter > 0 {
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(time.Duration(tgErr.RetryAfter) * time.Second):
				}
				return err
			}
			if tgErr.Code >= 400 && tgErr.Code < 500 {
				return backoff.Permanent(err)
			}
		}
		return err
	}, b)
}
