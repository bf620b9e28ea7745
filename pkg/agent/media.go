package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/models"
)

// Video generation is asynchronous at the provider: submit, then poll.
const (
	videoPollInterval = 10 * time.Second
	videoPollBudget   = 180 * time.Second
)

// MediaClient is the slice of the provider client the multimodal roles use.
type MediaClient interface {
	TextToImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error)
	TextToVideo(ctx context.Context, req llm.VideoRequest) (*llm.VideoTask, error)
	ImageToVideo(ctx context.Context, req llm.VideoRequest) (*llm.VideoTask, error)
	VideoTaskStatus(ctx context.Context, taskID string) (*llm.VideoTaskResult, error)
	TextToSpeech(ctx context.Context, req llm.SpeechRequest) ([]byte, error)
}

// ArtifactSink stores generated media bytes and returns a reference the
// result payload can carry.
type ArtifactSink interface {
	Store(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// MemorySink is the default in-process ArtifactSink.
type MemorySink struct {
	mu    sync.Mutex
	items map[string][]byte
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{items: make(map[string][]byte)}
}

// Store keeps the bytes in memory under the given name.
func (s *MemorySink) Store(_ context.Context, name, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[name] = append([]byte(nil), data...)
	return "memory://" + name, nil
}

// Get returns the stored bytes for a name.
func (s *MemorySink) Get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.items[name]
	return data, ok
}

// MediaPayload is the structured output of a multimodal role. Downstream
// consumers parse it instead of treating the output as prose.
type MediaPayload struct {
	Type        string   `json:"type"` // image, video, audio
	MediaURLs   []string `json:"media_urls,omitempty"`
	TextContent string   `json:"text_content,omitempty"`
	TaskID      string   `json:"task_id,omitempty"`
	Pending     bool     `json:"pending,omitempty"`
}

var urlRe = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

// executeMedia short-circuits the chat loop for generator roles and calls
// the synthesis APIs directly. The returned output is the JSON-encoded
// MediaPayload.
func (w *Worker) executeMedia(ctx context.Context, task models.SubTask) (string, error) {
	if w.media == nil {
		return "", fmt.Errorf("multimodal role %q has no media client", w.role.Key)
	}
	media := w.role.Media
	if media == nil {
		return "", fmt.Errorf("multimodal role %q has no media settings", w.role.Key)
	}

	var payload MediaPayload
	var err error
	switch {
	case media.Voice != "":
		payload, err = w.synthesizeSpeech(ctx, task, media)
	case media.Duration > 0:
		payload, err = w.generateVideo(ctx, task, media)
	default:
		payload, err = w.generateImage(ctx, task, media)
	}
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding media payload: %w", err)
	}
	return string(encoded), nil
}

func (w *Worker) generateImage(ctx context.Context, task models.SubTask, media *config.MediaSettings) (MediaPayload, error) {
	result, err := w.media.TextToImage(ctx, llm.ImageRequest{
		Prompt:       task.Content,
		Model:        media.Model,
		Size:         media.Size,
		PromptExtend: media.PromptExtend,
	})
	if err != nil {
		return MediaPayload{}, fmt.Errorf("image generation: %w", err)
	}
	return MediaPayload{
		Type:        "image",
		MediaURLs:   result.URLs,
		TextContent: fmt.Sprintf("Generated %d image(s).", len(result.URLs)),
		TaskID:      result.TaskID,
	}, nil
}

// generateVideo submits a text-to-video generation, or image-to-video when
// the task content carries an image URL, then polls until the task finishes
// or the budget runs out. A timed-out poll is not a failure: the payload
// carries the task id so the caller can pick the video up later.
func (w *Worker) generateVideo(ctx context.Context, task models.SubTask, media *config.MediaSettings) (MediaPayload, error) {
	req := llm.VideoRequest{
		Prompt:   task.Content,
		Model:    media.Model,
		Size:     media.Size,
		Duration: media.Duration,
	}

	var submitted *llm.VideoTask
	var err error
	if imageURL := urlRe.FindString(task.Content); imageURL != "" {
		req.ImageURL = imageURL
		submitted, err = w.media.ImageToVideo(ctx, req)
	} else {
		submitted, err = w.media.TextToVideo(ctx, req)
	}
	if err != nil {
		return MediaPayload{}, fmt.Errorf("video submission: %w", err)
	}

	deadline := w.now().Add(videoPollBudget)
	for w.now().Before(deadline) {
		if w.stopped() {
			return MediaPayload{}, ErrStopped
		}
		status, pollErr := w.media.VideoTaskStatus(ctx, submitted.TaskID)
		if pollErr != nil {
			return MediaPayload{}, fmt.Errorf("polling video task: %w", pollErr)
		}
		switch status.Status {
		case llm.TaskStatusSucceeded:
			return MediaPayload{
				Type:        "video",
				MediaURLs:   []string{status.VideoURL},
				TextContent: "Video generated.",
				TaskID:      submitted.TaskID,
			}, nil
		case llm.TaskStatusFailed:
			return MediaPayload{}, fmt.Errorf("video generation failed: %s", status.Error)
		}
		if err := w.sleep(ctx, videoPollInterval); err != nil {
			return MediaPayload{}, err
		}
	}

	w.logger.Warn("Video generation still running at poll budget", "task_id", submitted.TaskID)
	return MediaPayload{
		Type:        "video",
		TextContent: "Video generation still running; poll the task for the result.",
		TaskID:      submitted.TaskID,
		Pending:     true,
	}, nil
}

func (w *Worker) synthesizeSpeech(ctx context.Context, task models.SubTask, media *config.MediaSettings) (MediaPayload, error) {
	audio, err := w.media.TextToSpeech(ctx, llm.SpeechRequest{
		Text:   task.Content,
		Model:  media.Model,
		Voice:  media.Voice,
		Format: media.Format,
	})
	if err != nil {
		return MediaPayload{}, fmt.Errorf("speech synthesis: %w", err)
	}

	name := fmt.Sprintf("%s.%s", task.ID, media.Format)
	ref, err := w.sink.Store(ctx, name, "audio/"+media.Format, audio)
	if err != nil {
		return MediaPayload{}, fmt.Errorf("storing audio: %w", err)
	}
	return MediaPayload{
		Type:        "audio",
		MediaURLs:   []string{ref},
		TextContent: fmt.Sprintf("Synthesized %d bytes of audio.", len(audio)),
	}, nil
}
