package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/chat"
	"github.com/suPer8Hu/oldsparrow/internal/common"
)

const (
	HeaderChatID              = "X-Chat-ID"
	HeaderTitle               = "X-Title"
	HeaderNewChatID           = "X-New-Chat-ID"
	HeaderConvertedFromShared = "X-Converted-From-Shared"
	HeaderRateLimitRemaining  = "X-RateLimit-Remaining"
	HeaderTurnID              = "X-Turn-ID"
)

const pingInterval = 15 * time.Second

type chatReq struct {
	Message               string              `json:"message" binding:"required,max=3000"`
	PreviousConversations []chat.HistoryEntry `json:"previous_conversations"`
	SearchEnabled         bool                `json:"search_enabled"`
	Model                 string              `json:"model"`
	FileURL               string              `json:"fileUrl"`
	FileType              string              `json:"fileType"`
	FileName              string              `json:"fileName"`

	OpenRouterAPIKey string `json:"openrouter_api_key"`
	OpenAIAPIKey     string `json:"openai_api_key"`
	AnthropicAPIKey  string `json:"anthropic_api_key"`
	GoogleAPIKey     string `json:"google_api_key"`
}

func (r chatReq) attachment() *chat.Attachment {
	if strings.TrimSpace(r.FileURL) == "" {
		return nil
	}
	return &chat.Attachment{URL: r.FileURL, MIMEType: r.FileType, Name: r.FileName}
}

func queryFlag(c *gin.Context, name string) bool {
	v, _ := strconv.ParseBool(c.Query(name))
	return v
}

// bindChat parses and validates the common chat request shape. On failure
// the response has already been written.
func (h *Handler) bindChat(c *gin.Context) (chat.ChatRequest, bool) {
	id, ok := identity(c)
	if !ok {
		return chat.ChatRequest{}, false
	}

	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c, err)
		return chat.ChatRequest{}, false
	}
	chatID := strings.TrimSpace(c.GetHeader(HeaderChatID))
	if chatID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "X-Chat-ID header is required")
		return chat.ChatRequest{}, false
	}
	if err := chat.ValidateMessage(req.Message); err != nil {
		h.fail(c, err)
		return chat.ChatRequest{}, false
	}

	return chat.ChatRequest{
		Identity:      id,
		ChatID:        chatID,
		Message:       req.Message,
		History:       req.PreviousConversations,
		SearchEnabled: req.SearchEnabled,
		Model:         req.Model,
		Attachment:    req.attachment(),
		Credentials: ai.Credentials{
			OpenRouter: req.OpenRouterAPIKey,
			OpenAI:     req.OpenAIAPIKey,
			Anthropic:  req.AnthropicAPIKey,
			Google:     req.GoogleAPIKey,
		},
		Shared: queryFlag(c, "shared"),
		Edited: queryFlag(c, "editedMessage"),
	}, true
}

func setChatHeaders(c *gin.Context, chatID, title, newChatID string, converted bool) {
	c.Header(HeaderChatID, chatID)
	// titles are free text; keep the header value ASCII
	c.Header(HeaderTitle, url.PathEscape(title))
	if newChatID != "" {
		c.Header(HeaderNewChatID, newChatID)
	}
	if converted {
		c.Header(HeaderConvertedFromShared, "true")
	}
}

// ChatCompletion streams the assistant answer. The body is plain chunked
// text unless the client asks for text/event-stream.
func (h *Handler) ChatCompletion(c *gin.Context) {
	req, ok := h.bindChat(c)
	if !ok {
		return
	}

	res, err := h.ChatSvc.StartChat(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	setChatHeaders(c, res.ChatID, res.Title, res.NewChatID, res.ConvertedFromShared)
	c.Header(HeaderTurnID, res.TurnID)
	if res.RateLimited {
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	}

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamSSE(c, res)
		return
	}
	h.streamText(c, res.Stream)
}

func (h *Handler) streamText(c *gin.Context, s *chat.Stream) {
	ctx := c.Request.Context()
	written := false
	start := func() {
		if written {
			return
		}
		written = true
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
	}

	for chunks := s.Chunks; chunks != nil; {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			start()
			_, _ = c.Writer.WriteString(chunk)
			c.Writer.Flush()
		case <-ctx.Done():
			// generation keeps going and is persisted without us
			return
		}
	}

	var streamErr error
	select {
	case streamErr = <-s.Err:
	default:
	}
	if streamErr != nil {
		if !written {
			h.fail(c, streamErr)
			return
		}
		h.Log.Warn("stream failed mid-response", "err", streamErr)
		// abort the chunked body so the client sees a truncated response
		panic(http.ErrAbortHandler)
	}
	if !written {
		start()
		_, _ = c.Writer.WriteString(chat.NoResponseText)
	}
}

func (h *Handler) streamSSE(c *gin.Context, res *chat.ChatResult) {
	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	s := res.Stream

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			c.Writer.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		c.Writer.Flush()
	}

	chunks := s.Chunks
	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				var err error
				select {
				case err = <-s.Err:
				default:
				}
				if err != nil {
					writeJSON("error", gin.H{
						"type":    "error",
						"message": err.Error(),
					})
					return
				}
				writeJSON("done", gin.H{
					"type":    "done",
					"chat_id": res.ChatID,
					"turn_id": res.TurnID,
				})
				return
			}
			writeJSON("chunk", gin.H{
				"type":  "chunk",
				"delta": ch,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) ChatCompletionAsync(c *gin.Context) {
	req, ok := h.bindChat(c)
	if !ok {
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	res, err := h.ChatSvc.EnqueueChat(c.Request.Context(), req, idempoKey)
	if err != nil {
		h.fail(c, err)
		return
	}

	setChatHeaders(c, res.ChatID, res.Title, res.NewChatID, false)
	common.OK(c, gin.H{
		"job_id":      res.JobID,
		"chat_id":     res.ChatID,
		"turn_id":     res.TurnID,
		"new_chat_id": res.NewChatID,
		"created":     res.Created,
	})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), id.UserID, jobID)
	if err != nil {
		h.fail(c, err)
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":         j.ID,
			"chat_id":    j.ChatID,
			"turn_id":    j.TurnID,
			"status":     j.Status,
			"error":      j.Error,
			"created_at": j.CreatedAt,
			"updated_at": j.UpdatedAt,
		},
	})
}

func (h *Handler) ListChats(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	chats, err := h.ChatSvc.ListChats(c.Request.Context(), id.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"chats": chats})
}

func (h *Handler) ListTurns(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	turns, err := h.ChatSvc.ListTurns(c.Request.Context(), id.UserID, c.Param("chat_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"turns": turns})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	chatID := c.Param("chat_id")
	if err := h.ChatSvc.DeleteChat(c.Request.Context(), id.UserID, chatID); err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"chat_id": chatID})
}

func (h *Handler) ShareChat(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	sc, err := h.ChatSvc.ShareChat(c.Request.Context(), id.UserID, c.Param("chat_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"shared_id": sc.ID})
}

// GetSharedChat is public.
func (h *Handler) GetSharedChat(c *gin.Context) {
	sc, turns, err := h.ChatSvc.GetShared(c.Request.Context(), c.Param("shared_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"chat": sc, "turns": turns})
}

func (h *Handler) ExportChat(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	u, err := h.ChatSvc.ExportChat(c.Request.Context(), id.UserID, c.Param("chat_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"url": u})
}

type imageReq struct {
	Message               string              `json:"message" binding:"required,max=3000"`
	PreviousConversations []chat.HistoryEntry `json:"previous_conversations"`
	Model                 string              `json:"model"`
	FileURL               string              `json:"fileUrl"`
	FileType              string              `json:"fileType"`
	FileName              string              `json:"fileName"`
	OpenAIAPIKey          string              `json:"openai_api_key"`
}

func (h *Handler) GenerateImage(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req imageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFail(c, err)
		return
	}
	chatID := strings.TrimSpace(c.GetHeader(HeaderChatID))
	if chatID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "X-Chat-ID header is required")
		return
	}
	if err := chat.ValidateMessage(req.Message); err != nil {
		h.fail(c, err)
		return
	}

	var att *chat.Attachment
	if strings.TrimSpace(req.FileURL) != "" {
		att = &chat.Attachment{URL: req.FileURL, MIMEType: req.FileType, Name: req.FileName}
	}
	res, err := h.ChatSvc.GenerateImage(c.Request.Context(), chat.ImageRequest{
		Identity:     id,
		ChatID:       chatID,
		Prompt:       req.Message,
		History:      req.PreviousConversations,
		Model:        req.Model,
		Attachment:   att,
		OpenAIAPIKey: req.OpenAIAPIKey,
		Shared:       queryFlag(c, "shared"),
		Edited:       queryFlag(c, "editedMessage"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	setChatHeaders(c, res.ChatID, res.Title, res.NewChatID, res.ConvertedFromShared)
	c.JSON(http.StatusOK, gin.H{"url": res.URL, "response_id": res.ResponseID})
}
