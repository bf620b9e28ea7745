package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthive/hive/pkg/config"
	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/models"
)

type fakeMediaClient struct {
	mu        sync.Mutex
	polls     int
	pollPlan  []string // statuses returned per poll
	imageURLs []string
	imageErr  error
	speech    []byte
	speechErr error

	lastImage llm.ImageRequest
	lastVideo llm.VideoRequest
	i2vUsed   bool
}

func (f *fakeMediaClient) TextToImage(_ context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastImage = req
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return &llm.ImageResult{URLs: f.imageURLs, TaskID: "task-img"}, nil
}

func (f *fakeMediaClient) TextToVideo(_ context.Context, req llm.VideoRequest) (*llm.VideoTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastVideo = req
	return &llm.VideoTask{TaskID: "task-vid", Status: llm.TaskStatusPending}, nil
}

func (f *fakeMediaClient) ImageToVideo(_ context.Context, req llm.VideoRequest) (*llm.VideoTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastVideo = req
	f.i2vUsed = true
	return &llm.VideoTask{TaskID: "task-vid", Status: llm.TaskStatusPending}, nil
}

func (f *fakeMediaClient) VideoTaskStatus(_ context.Context, taskID string) (*llm.VideoTaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := llm.TaskStatusRunning
	if f.polls < len(f.pollPlan) {
		status = f.pollPlan[f.polls]
	}
	f.polls++
	result := &llm.VideoTaskResult{TaskID: taskID, Status: status}
	if status == llm.TaskStatusSucceeded {
		result.VideoURL = "https://cdn.example.com/out.mp4"
	}
	if status == llm.TaskStatusFailed {
		result.Error = "InternalError: render failed"
	}
	return result, nil
}

func (f *fakeMediaClient) TextToSpeech(_ context.Context, req llm.SpeechRequest) ([]byte, error) {
	if f.speechErr != nil {
		return nil, f.speechErr
	}
	return f.speech, nil
}

func newMediaWorker(t *testing.T, roleKey string, media MediaClient, sink ArtifactSink) *Worker {
	t.Helper()
	role := config.BuiltinRoles()[roleKey]
	require.NotNil(t, role)
	w := NewWorker(Options{
		ID:     "media-worker",
		Role:   role,
		Media:  media,
		Sink:   sink,
		Engine: fastEngine(),
	})
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return w
}

func decodePayload(t *testing.T, output string) MediaPayload {
	t.Helper()
	var payload MediaPayload
	require.NoError(t, json.Unmarshal([]byte(output), &payload))
	return payload
}

func TestImageGeneration(t *testing.T) {
	media := &fakeMediaClient{imageURLs: []string{"https://cdn.example.com/a.png"}}
	w := newMediaWorker(t, "text_to_image", media, nil)

	result, err := w.Execute(context.Background(), models.SubTask{ID: "t1", Content: "a lighthouse at dusk"})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	payload := decodePayload(t, result.Output)
	assert.Equal(t, "image", payload.Type)
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, payload.MediaURLs)
	assert.Equal(t, "task-img", payload.TaskID)

	assert.Equal(t, "a lighthouse at dusk", media.lastImage.Prompt)
	assert.Equal(t, "wanx2.1-t2i-turbo", media.lastImage.Model)
	assert.Equal(t, "1024*1024", media.lastImage.Size)
	assert.True(t, media.lastImage.PromptExtend)
	assert.Equal(t, models.WorkerCompleted, w.Status())
}

func TestImageGenerationFailure(t *testing.T) {
	media := &fakeMediaClient{imageErr: errors.New("quota exceeded")}
	w := newMediaWorker(t, "text_to_image", media, nil)

	result, err := w.Execute(context.Background(), models.SubTask{ID: "t1", Content: "x"})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "quota exceeded")
	assert.Equal(t, models.WorkerFailed, w.Status())
}

func TestVideoGenerationPollsUntilSuccess(t *testing.T) {
	media := &fakeMediaClient{pollPlan: []string{llm.TaskStatusRunning, llm.TaskStatusSucceeded}}
	w := newMediaWorker(t, "text_to_video", media, nil)

	result, err := w.Execute(context.Background(), models.SubTask{ID: "t1", Content: "waves on a shore"})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	payload := decodePayload(t, result.Output)
	assert.Equal(t, "video", payload.Type)
	assert.Equal(t, []string{"https://cdn.example.com/out.mp4"}, payload.MediaURLs)
	assert.False(t, payload.Pending)
	assert.Equal(t, 2, media.polls)
	assert.False(t, media.i2vUsed)
	assert.Equal(t, 5, media.lastVideo.Duration)
}

func TestVideoGenerationFailure(t *testing.T) {
	media := &fakeMediaClient{pollPlan: []string{llm.TaskStatusFailed}}
	w := newMediaWorker(t, "text_to_video", media, nil)

	result, err := w.Execute(context.Background(), models.SubTask{ID: "t1", Content: "x"})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "render failed")
}

func TestVideoPollBudgetReturnsPendingTask(t *testing.T) {
	media := &fakeMediaClient{} // always running
	w := newMediaWorker(t, "text_to_video", media, nil)

	// Advance the clock 30 seconds per reading so the 180 s budget expires
	// without real waiting.
	base := time.Now()
	var ticks int
	w.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * 30 * time.Second)
	}

	result, err := w.Execute(context.Background(), models.SubTask{ID: "t1", Content: "x"})
	require.NoError(t, err)
	require.True(t, result.Success, "a slow render is handed back as a pending task, not a failure")

	payload := decodePayload(t, result.Output)
	assert.True(t, payload.Pending)
	assert.Equal(t, "task-vid", payload.TaskID)
	assert.Empty(t, payload.MediaURLs)
}

func TestImageURLInTaskSelectsImageToVideo(t *testing.T) {
	media := &fakeMediaClient{pollPlan: []string{llm.TaskStatusSucceeded}}
	w := newMediaWorker(t, "image_to_video", media, nil)

	task := models.SubTask{ID: "t1", Content: "animate https://example.com/still.jpg with gentle motion"}
	result, err := w.Execute(context.Background(), task)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	assert.True(t, media.i2vUsed)
	assert.Equal(t, "https://example.com/still.jpg", media.lastVideo.ImageURL)
}

func TestSpeechSynthesisStoresAudio(t *testing.T) {
	media := &fakeMediaClient{speech: []byte("RIFFfake")}
	sink := NewMemorySink()
	w := newMediaWorker(t, "voice_synthesizer", media, sink)

	result, err := w.Execute(context.Background(), models.SubTask{ID: "t1", Content: "hello world"})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	payload := decodePayload(t, result.Output)
	assert.Equal(t, "audio", payload.Type)
	require.Len(t, payload.MediaURLs, 1)
	assert.Equal(t, "memory://t1.mp3", payload.MediaURLs[0])

	stored, ok := sink.Get("t1.mp3")
	require.True(t, ok)
	assert.Equal(t, []byte("RIFFfake"), stored)
}

func TestMultimodalRoleWithoutMediaClientFails(t *testing.T) {
	w := newMediaWorker(t, "text_to_image", nil, nil)
	w.media = nil

	result, err := w.Execute(context.Background(), models.SubTask{ID: "t1", Content: "x"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no media client")
}
