package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

const (
	defaultBatchSize = 32
	defaultTimeout   = 10 * time.Second
)

// Embedding scores text against an embedding model service speaking a small
// JSON protocol: POST /v1/score with a list of texts, scores back in the
// same order. Every failure is reported as monitor.ErrClassifierUnavailable
// so the pipeline can switch to its keyword-only fallback.
type Embedding struct {
	endpoint  string
	model     string
	batchSize int
	client    *http.Client
}

// NewEmbedding builds the client. A non-positive batch size or timeout
// falls back to the package defaults.
func NewEmbedding(endpoint, model string, batchSize int, timeout time.Duration) *Embedding {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Embedding{
		endpoint:  strings.TrimRight(endpoint, "/"),
		model:     model,
		batchSize: batchSize,
		client:    &http.Client{Timeout: timeout},
	}
}

// scoreRequest is the JSON body sent to /v1/score.
type scoreRequest struct {
	Model string   `json:"model,omitempty"`
	Texts []string `json:"texts"`
}

// scoreResponse is the JSON response from /v1/score.
type scoreResponse struct {
	Scores []float64 `json:"scores"`
	Model  string    `json:"model,omitempty"`
}

func (e *Embedding) Score(ctx context.Context, text string) (float64, error) {
	scores, err := e.ScoreBatch(ctx, []string{text})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch splits texts into service-sized batches and reassembles the
// scores in input order.
func (e *Embedding) ScoreBatch(ctx context.Context, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([]float64, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		scores, err := e.callAPI(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w", start, end, err)
		}
		copy(result[start:end], scores)
	}
	return result, nil
}

func (e *Embedding) callAPI(ctx context.Context, texts []string) ([]float64, error) {
	body, err := json.Marshal(scoreRequest{Model: e.model, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	url := e.endpoint + "/v1/score"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", monitor.ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: HTTP %d from %s: %s",
			monitor.ErrClassifierUnavailable, resp.StatusCode, url, string(respBody))
	}

	var result scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", monitor.ErrClassifierUnavailable, err)
	}
	if len(result.Scores) != len(texts) {
		return nil, fmt.Errorf("%w: got %d scores for %d texts",
			monitor.ErrClassifierUnavailable, len(result.Scores), len(texts))
	}

	// Scores outside [0,1] are clamped rather than rejected.
	scores := make([]float64, len(result.Scores))
	for i, s := range result.Scores {
		scores[i] = math.Max(0, math.Min(1, s))
	}
	return scores, nil
}
