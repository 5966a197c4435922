package chat

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"time"

	"github.com/google/uuid"
	"github.com/russross/blackfriday"
)

// RenderHTML turns a chat into a standalone HTML report. Bot responses are
// markdown; user messages are escaped verbatim.
func RenderHTML(c *Chat, turns []Turn) []byte {
	var b bytes.Buffer
	title := html.EscapeString(c.Title)
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title>", title)
	b.WriteString("<style>body{font-family:sans-serif;max-width:48rem;margin:2rem auto}" +
		".user{background:#f3f4f6;padding:.75rem;border-radius:.5rem;white-space:pre-wrap}" +
		".bot{padding:.75rem}</style></head><body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n<p><small>Exported %s</small></p>\n", title, time.Now().UTC().Format(time.RFC1123))

	for _, t := range turns {
		fmt.Fprintf(&b, "<div class=\"user\">%s</div>\n", html.EscapeString(t.UserMessage))
		b.WriteString("<div class=\"bot\">")
		b.Write(blackfriday.MarkdownCommon([]byte(t.BotResponse)))
		b.WriteString("</div>\n")
	}
	b.WriteString("</body></html>\n")
	return b.Bytes()
}

// ExportChat renders the owner's chat and stores it, returning its URL.
func (s *Service) ExportChat(ctx context.Context, owner, chatID string) (string, error) {
	c, err := s.ownedChat(ctx, owner, chatID)
	if err != nil {
		return "", err
	}
	turns, err := s.repo.ListTurns(ctx, chatID)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("exports/%s/%s.html", chatID, uuid.NewString())
	return s.objects.Put(ctx, key, "text/html; charset=utf-8", RenderHTML(c, turns))
}
