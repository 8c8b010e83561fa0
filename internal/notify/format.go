package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"xwatch/internal/model"
)

const (
	// CaptionLimit is Telegram's maximum caption length for media.
	CaptionLimit = 1024
	// maxBody keeps text messages below Telegram's 4096 character limit.
	maxBody = 3500
)

var linkEscaper = strings.NewReplacer(`\`, `\\`, `)`, `\)`)

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, s)
}

// FormatItem renders an item as a MarkdownV2 message.
func FormatItem(item model.Item, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🐦 *@%s* posted\n\n", escape(item.Subject))
	if text := truncate(item.Text, maxBody); text != "" {
		b.WriteString(escape(text))
		b.WriteString("\n\n")
	}
	if item.URL != "" {
		fmt.Fprintf(&b, "🔗 [Open](%s)", linkEscaper.Replace(item.URL))
	}
	if !item.PostedAt.IsZero() {
		fmt.Fprintf(&b, "\n⏰ %s", escape(item.PostedAt.In(loc).Format("2006-01-02 15:04 MST")))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatStartup renders the lifecycle notice sent when monitoring starts.
func FormatStartup(subjects []string) string {
	names := make([]string, len(subjects))
	for i, s := range subjects {
		names[i] = "@" + s
	}
	return fmt.Sprintf("xwatch started\nWatching: %s", strings.Join(names, ", "))
}

// FormatReload renders the notice sent after a configuration reload.
func FormatReload(added, removed, changed int) string {
	return fmt.Sprintf("xwatch config reloaded\n+%d added, -%d removed, %d changed", added, removed, changed)
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "…"
}

func fitsCaption(s string) bool {
	return utf8.RuneCountInString(s) <= CaptionLimit
}
