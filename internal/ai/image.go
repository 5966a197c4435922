package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// InputImage is an image the caller attached to an image-generation turn.
type InputImage struct {
	Filename string
	MIMEType string
	Data     []byte
}

type ImageRequest struct {
	Model              string
	Prompt             string
	PreviousResponseID string
	Input              *InputImage
}

type ImageResult struct {
	ResponseID string
	MIMEType   string
	Data       []byte
}

// ImageClient drives the Responses API image_generation tool. Input images
// are uploaded first and referenced by file id.
type ImageClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	files   *openai.Client
}

func NewImageClient(baseURL, apiKey string) *ImageClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &ImageClient{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 3 * time.Minute},
		files:   openai.NewClientWithConfig(cfg),
	}
}

type responsesContent struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

type responsesInput struct {
	Role    string             `json:"role"`
	Content []responsesContent `json:"content"`
}

type responsesTool struct {
	Type string `json:"type"`
}

type responsesReq struct {
	Model              string           `json:"model"`
	Input              []responsesInput `json:"input"`
	Tools              []responsesTool  `json:"tools"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
}

type responsesResp struct {
	ID     string `json:"id"`
	Output []struct {
		Type   string `json:"type"`
		Result string `json:"result"`
	} `json:"output"`
	Error *compatError `json:"error,omitempty"`
}

func (c *ImageClient) Generate(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("image: api key is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("image: prompt is required")
	}

	content := []responsesContent{{Type: "input_text", Text: req.Prompt}}
	if req.Input != nil && len(req.Input.Data) > 0 {
		f, err := c.files.CreateFileBytes(ctx, openai.FileBytesRequest{
			Name:    req.Input.Filename,
			Bytes:   req.Input.Data,
			Purpose: openai.PurposeType("vision"),
		})
		if err != nil {
			return nil, fmt.Errorf("upload input image: %w", err)
		}
		content = append(content, responsesContent{Type: "input_image", FileID: f.ID})
	}

	body, err := json.Marshal(responsesReq{
		Model:              req.Model,
		Input:              []responsesInput{{Role: RoleUser, Content: content}},
		Tools:              []responsesTool{{Type: "image_generation"}},
		PreviousResponseID: req.PreviousResponseID,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var decoded responsesResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, errors.New(decoded.Error.Message)
	}

	for _, out := range decoded.Output {
		if out.Type != "image_generation_call" || out.Result == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(out.Result)
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		return &ImageResult{
			ResponseID: decoded.ID,
			MIMEType:   http.DetectContentType(data),
			Data:       data,
		}, nil
	}
	return nil, errors.New("image: response contained no image")
}
