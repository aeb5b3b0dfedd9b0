package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/baikalmedia/tourism-monitor/internal/filter"
	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

// RuleJudge produces the three comment judgments from independent term
// lists. Each judgment matches its own list only, so a comment can be any
// combination of relevant, political and profane.
type RuleJudge struct {
	relevant  *filter.Matcher
	political *filter.Matcher
	profane   *filter.Matcher
}

// NewRuleJudge builds a judge from the three term lists. An empty list makes
// that judgment always false.
func NewRuleJudge(relevantTerms, politicalTerms, profaneTerms []string) *RuleJudge {
	return &RuleJudge{
		relevant:  filter.NewMatcher(relevantTerms),
		political: filter.NewMatcher(politicalTerms),
		profane:   filter.NewMatcher(profaneTerms),
	}
}

// Judge never fails; the term lists are in memory.
func (j *RuleJudge) Judge(_ context.Context, text string) (monitor.CommentFlags, error) {
	return monitor.NewCommentFlags(
		j.relevant.MatchAny(text),
		j.political.MatchAny(text),
		j.profane.MatchAny(text),
	), nil
}

// RemoteJudge asks a moderation model service for the three judgments. Any
// failure surfaces as monitor.ErrClassifierUnavailable; the pipeline then
// stores the all-false flag set.
type RemoteJudge struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewRemoteJudge builds the client. A non-positive timeout falls back to the
// package default.
func NewRemoteJudge(endpoint, model string, timeout time.Duration) *RemoteJudge {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &RemoteJudge{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

// judgeRequest is the JSON body sent to /v1/comments/judge.
type judgeRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

// judgeResponse is the JSON response from /v1/comments/judge. Clean is derived
// locally, never trusted from the service.
type judgeResponse struct {
	Relevant  bool `json:"relevant"`
	Political bool `json:"political"`
	Profane   bool `json:"profane"`
}

func (j *RemoteJudge) Judge(ctx context.Context, text string) (monitor.CommentFlags, error) {
	body, err := json.Marshal(judgeRequest{Model: j.model, Text: text})
	if err != nil {
		return monitor.CommentFlags{}, fmt.Errorf("failed to marshal judge request: %w", err)
	}

	url := j.endpoint + "/v1/comments/judge"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return monitor.CommentFlags{}, fmt.Errorf("failed to build judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return monitor.CommentFlags{}, fmt.Errorf("%w: %w", monitor.ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return monitor.CommentFlags{}, fmt.Errorf("%w: HTTP %d from %s: %s",
			monitor.ErrClassifierUnavailable, resp.StatusCode, url, string(respBody))
	}

	var result judgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return monitor.CommentFlags{}, fmt.Errorf("%w: decode response: %w", monitor.ErrClassifierUnavailable, err)
	}

	return monitor.NewCommentFlags(result.Relevant, result.Political, result.Profane), nil
}
