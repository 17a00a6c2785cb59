package capture

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Consumer is another process reading the picture folder. It is paused
// while a download fills the folder.
type Consumer interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// NopConsumer is used when nothing shares the picture folder.
type NopConsumer struct{}

func (NopConsumer) Pause(context.Context) error  { return nil }
func (NopConsumer) Resume(context.Context) error { return nil }

// HTTPConsumer notifies the consumer with a POST to one URL per action.
// An empty URL skips that action.
type HTTPConsumer struct {
	PauseURL  string
	ResumeURL string
	Client    *http.Client
}

func NewHTTPConsumer(pauseURL, resumeURL string) *HTTPConsumer {
	return &HTTPConsumer{
		PauseURL:  pauseURL,
		ResumeURL: resumeURL,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPConsumer) Pause(ctx context.Context) error  { return h.post(ctx, h.PauseURL) }
func (h *HTTPConsumer) Resume(ctx context.Context) error { return h.post(ctx, h.ResumeURL) }

func (h *HTTPConsumer) post(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("consumer %s: %s", url, resp.Status)
	}
	return nil
}
