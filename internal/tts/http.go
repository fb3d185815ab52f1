package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpSynth talks to a piper-style HTTP server: the text goes out as the
// form field "text" and a WAV file comes back.
type httpSynth struct {
	endpoint string
	voice    string
	client   *http.Client
}

func NewHTTPSynth(endpoint, voice string, timeout time.Duration) Synthesizer {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &httpSynth{endpoint: endpoint, voice: voice, client: &http.Client{Timeout: timeout}}
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		audio, err := h.fetch(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		chunks <- SynthChunk{
			TurnID:     req.TurnID,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			PCM:        audio.PCM,
			Final:      true,
		}
	}()
	return chunks, errs
}

func (h *httpSynth) fetch(ctx context.Context, req SynthRequest) (Audio, error) {
	form := url.Values{}
	form.Set("text", req.Text)
	voice := req.Voice
	if voice == "" {
		voice = h.voice
	}
	if voice != "" {
		form.Set("voice", voice)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Audio{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("post to tts server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read tts response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Audio{}, fmt.Errorf("tts server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return DecodeWAV(body)
}
