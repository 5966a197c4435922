package chat

import (
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"

	"github.com/suPer8Hu/oldsparrow/internal/admission"
	"github.com/suPer8Hu/oldsparrow/internal/ai"
	"github.com/suPer8Hu/oldsparrow/internal/attachment"
	"github.com/suPer8Hu/oldsparrow/internal/auth"
	"github.com/suPer8Hu/oldsparrow/internal/common"
)

type ImageRequest struct {
	Identity     auth.Identity
	ChatID       string
	Prompt       string
	History      []HistoryEntry
	Model        string
	Attachment   *Attachment
	OpenAIAPIKey string
	Shared       bool
	Edited       bool
}

type ImageResult struct {
	URL                 string
	ResponseID          string
	ChatID              string
	Title               string
	NewChatID           string
	ConvertedFromShared bool
	TurnID              string
}

// PreviousResponseID finds the newest assistant entry carrying an upstream
// response id.
func PreviousResponseID(history []HistoryEntry) string {
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Role != ai.RoleUser && h.ResponseID != "" {
			return h.ResponseID
		}
	}
	return ""
}

func ImageMarkup(url string) string {
	return fmt.Sprintf("![Generated image](%s)", url)
}

// GenerateImage is the blocking image variant of the pipeline. The prompt
// is persisted before the provider is called.
func (s *Service) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.opts.ImageModel
	}
	apiKey := strings.TrimSpace(req.OpenAIAPIKey)
	byok := apiKey != ""
	if !byok {
		apiKey = s.opts.SystemOpenAIKey
	}

	if _, err := s.admission.Admit(ctx, admission.Request{
		Kind:      admission.KindImage,
		Identity:  quotaIdentity(req.Identity),
		Premium:   inList(s.opts.PremiumImageModels, model),
		BYOK:      byok,
		Anonymous: s.isAnonymous(req.Identity),
	}); err != nil {
		return nil, err
	}

	res, _, err := s.resolveSession(ctx, ChatRequest{
		Identity: req.Identity,
		ChatID:   req.ChatID,
		Message:  req.Prompt,
		History:  req.History,
		Shared:   req.Shared,
		Edited:   req.Edited,
	}, false)
	if err != nil {
		return nil, err
	}

	turnID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	turn := &Turn{
		ID:          turnID,
		ChatID:      res.ChatID,
		UserMessage: req.Prompt,
		Model:       model,
	}
	if a := req.Attachment; a != nil {
		turn.FileURL, turn.FileType, turn.FileName = a.URL, a.MIMEType, a.Name
	}
	if err := s.repo.InsertTurnPlaceholder(ctx, turn); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	genReq := ai.ImageRequest{
		Model:              model,
		Prompt:             req.Prompt,
		PreviousResponseID: PreviousResponseID(req.History),
	}
	if a := req.Attachment; a != nil && a.URL != "" && attachment.Classify(a.MIMEType, a.Name) == attachment.KindImage {
		data, err := s.fetcher.Fetch(ctx, a.URL)
		if err != nil {
			// text-only generation
			s.log.Warn("input image fetch failed", "chat_id", res.ChatID, "turn_id", turn.ID, "file", a.Name, "err", err)
		} else {
			genReq.Input = &ai.InputImage{Filename: a.Name, MIMEType: a.MIMEType, Data: data}
		}
	}

	out, err := s.images(apiKey).Generate(ctx, genReq)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("images/%s/%s%s", res.ChatID, uuid.NewString(), extensionFor(out.MIMEType))
	url, err := s.objects.Put(ctx, key, out.MIMEType, out.Data)
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	wctx := context.WithoutCancel(ctx)
	turn.ResponseID = out.ResponseID
	if err := s.repo.PatchTurnResponse(wctx, turn, ImageMarkup(url)); err != nil {
		return nil, fmt.Errorf("persist image turn: %w", err)
	}
	if err := s.repo.SetTurnResponseID(wctx, turn.ID, out.ResponseID); err != nil {
		return nil, fmt.Errorf("persist image turn: %w", err)
	}
	s.cache.Invalidate(wctx, req.Identity.UserID)

	return &ImageResult{
		URL:                 url,
		ResponseID:          out.ResponseID,
		ChatID:              res.ChatID,
		Title:               res.Title,
		NewChatID:           res.NewChatID,
		ConvertedFromShared: res.ConvertedFromShared,
		TurnID:              turn.ID,
	}, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
