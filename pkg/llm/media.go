package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Async task statuses reported by the provider's task endpoint.
const (
	TaskStatusPending   = "PENDING"
	TaskStatusRunning   = "RUNNING"
	TaskStatusSucceeded = "SUCCEEDED"
	TaskStatusFailed    = "FAILED"
)

// ImageRequest configures a text-to-image generation.
type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	Model          string
	Size           string
	N              int
	PromptExtend   bool
}

// ImageResult is the synchronous outcome of an image generation.
type ImageResult struct {
	URLs   []string
	TaskID string
}

// VideoRequest configures a text-to-video or image-to-video generation.
type VideoRequest struct {
	Prompt   string
	ImageURL string // set for image-to-video
	Model    string
	Size     string
	Duration int
}

// VideoTask identifies a submitted async video generation.
type VideoTask struct {
	TaskID string
	Status string
}

// VideoTaskResult is one poll of an async video task.
type VideoTaskResult struct {
	TaskID   string
	Status   string
	VideoURL string
	Error    string
}

// Done reports whether the task reached a terminal status.
func (r VideoTaskResult) Done() bool {
	return r.Status == TaskStatusSucceeded || r.Status == TaskStatusFailed
}

// SpeechRequest configures a speech synthesis call.
type SpeechRequest struct {
	Text   string
	Model  string
	Voice  string
	Format string
}

// mediaEnvelope is the provider's generation response wrapper.
type mediaEnvelope struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Results    []struct {
			URL string `json:"url"`
		} `json:"results"`
		VideoURL string `json:"video_url"`
		AudioURL string `json:"audio_url"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	} `json:"output"`
}

// TextToImage generates images synchronously and returns their URLs.
func (c *Client) TextToImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if req.N <= 0 {
		req.N = 1
	}
	params := map[string]any{
		"n":    req.N,
		"size": req.Size,
	}
	if req.PromptExtend {
		params["prompt_extend"] = true
	}
	input := map[string]any{"prompt": req.Prompt}
	if req.NegativePrompt != "" {
		input["negative_prompt"] = req.NegativePrompt
	}
	body := map[string]any{
		"model":      req.Model,
		"input":      input,
		"parameters": params,
	}

	var result *ImageResult
	err := c.withRetry(ctx, func() error {
		raw, postErr := c.postJSON(ctx, c.mediaURL+"/services/aigc/text2image/image-synthesis", body)
		if postErr != nil {
			return postErr
		}
		var env mediaEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decoding image response: %w", err)
		}
		urls := make([]string, 0, len(env.Output.Results))
		for _, r := range env.Output.Results {
			if r.URL != "" {
				urls = append(urls, r.URL)
			}
		}
		if len(urls) == 0 {
			return fmt.Errorf("%w: image synthesis returned no results", ErrEmptyResponse)
		}
		result = &ImageResult{URLs: urls, TaskID: env.Output.TaskID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TextToVideo submits an async text-to-video generation and returns the
// task to poll with VideoTaskStatus.
func (c *Client) TextToVideo(ctx context.Context, req VideoRequest) (*VideoTask, error) {
	input := map[string]any{"prompt": req.Prompt}
	return c.submitVideoTask(ctx, c.mediaURL+"/services/aigc/video-generation/video-synthesis", req, input)
}

// ImageToVideo submits an async image-to-video generation.
func (c *Client) ImageToVideo(ctx context.Context, req VideoRequest) (*VideoTask, error) {
	input := map[string]any{"img_url": req.ImageURL}
	if req.Prompt != "" {
		input["prompt"] = req.Prompt
	}
	return c.submitVideoTask(ctx, c.mediaURL+"/services/aigc/image2video/video-synthesis", req, input)
}

func (c *Client) submitVideoTask(ctx context.Context, url string, req VideoRequest, input map[string]any) (*VideoTask, error) {
	params := map[string]any{}
	if req.Size != "" {
		params["size"] = req.Size
	}
	if req.Duration > 0 {
		params["duration"] = req.Duration
	}
	body := map[string]any{
		"model":      req.Model,
		"input":      input,
		"parameters": params,
	}

	var task *VideoTask
	err := c.withRetry(ctx, func() error {
		resp, postErr := c.post(ctx, url, body, map[string]string{
			"X-DashScope-Async": "enable",
		})
		if postErr != nil {
			return postErr
		}
		defer func() { _ = resp.Body.Close() }()

		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("reading video submit response: %w", readErr)
		}
		if resp.StatusCode != http.StatusOK {
			return parseAPIError(resp.StatusCode, raw)
		}
		var env mediaEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decoding video submit response: %w", err)
		}
		if env.Output.TaskID == "" {
			return fmt.Errorf("%w: video submission returned no task id", ErrEmptyResponse)
		}
		task = &VideoTask{TaskID: env.Output.TaskID, Status: env.Output.TaskStatus}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// VideoTaskStatus polls the status of a submitted video task.
func (c *Client) VideoTaskStatus(ctx context.Context, taskID string) (*VideoTaskResult, error) {
	var result *VideoTaskResult
	err := c.withRetry(ctx, func() error {
		req, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, c.mediaURL+"/tasks/"+taskID, nil)
		if buildErr != nil {
			return fmt.Errorf("building task query: %w", buildErr)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return fmt.Errorf("querying task: %w", doErr)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("reading task response: %w", readErr)
		}
		if resp.StatusCode != http.StatusOK {
			return parseAPIError(resp.StatusCode, raw)
		}
		var env mediaEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decoding task response: %w", err)
		}
		result = &VideoTaskResult{
			TaskID:   taskID,
			Status:   env.Output.TaskStatus,
			VideoURL: env.Output.VideoURL,
		}
		if env.Output.TaskStatus == TaskStatusFailed {
			result.Error = fmt.Sprintf("%s: %s", env.Output.Code, env.Output.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TextToSpeech synthesizes speech and returns the audio bytes.
func (c *Client) TextToSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	body := map[string]any{
		"model": req.Model,
		"input": map[string]any{"text": req.Text},
		"parameters": map[string]any{
			"voice":  req.Voice,
			"format": req.Format,
		},
	}

	var audioURL string
	err := c.withRetry(ctx, func() error {
		raw, postErr := c.postJSON(ctx, c.mediaURL+"/services/aigc/multimodal-generation/generation", body)
		if postErr != nil {
			return postErr
		}
		var env mediaEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decoding speech response: %w", err)
		}
		if env.Output.AudioURL == "" {
			return fmt.Errorf("%w: speech synthesis returned no audio", ErrEmptyResponse)
		}
		audioURL = env.Output.AudioURL
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.download(ctx, audioURL)
}

// download fetches generated media bytes from a provider-hosted URL.
func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "media download failed"}
	}
	return io.ReadAll(resp.Body)
}
