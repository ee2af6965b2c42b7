package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type WebhookType string

const (
	WebhookDiscord WebhookType = "discord"
	WebhookSlack   WebhookType = "slack"
	WebhookGeneric WebhookType = "generic"
)

// RunSummary describes a finished evaluation run.
type RunSummary struct {
	RunID     string
	Input     string
	Output    string
	Total     int
	Completed int
	Failed    int
	Duration  time.Duration
}

type CompleteOptions struct {
	WebhookURL string
	Run        RunSummary
	Timeout    time.Duration
}

type FailedOptions struct {
	WebhookURL    string
	Run           RunSummary
	FailureReason string
	Timeout       time.Duration
}

func DetectWebhookType(url string) WebhookType {
	lower := strings.ToLower(url)
	if strings.Contains(lower, "discord.com/api/webhooks") || strings.Contains(lower, "discordapp.com/api/webhooks") {
		return WebhookDiscord
	}
	if strings.Contains(lower, "hooks.slack.com") {
		return WebhookSlack
	}
	return WebhookGeneric
}

func NotifyComplete(ctx context.Context, opts CompleteOptions) error {
	if strings.TrimSpace(opts.Run.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return errors.New("webhook URL is required")
	}
	payload, err := buildCompletePayload(opts, time.Now())
	if err != nil {
		return err
	}
	return SendWebhook(ctx, opts.WebhookURL, payload, opts.Timeout)
}

func NotifyFailed(ctx context.Context, opts FailedOptions) error {
	if strings.TrimSpace(opts.Run.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return errors.New("webhook URL is required")
	}
	payload, err := buildFailedPayload(opts, time.Now())
	if err != nil {
		return err
	}
	return SendWebhook(ctx, opts.WebhookURL, payload, opts.Timeout)
}

func SendWebhook(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
	if strings.TrimSpace(url) == "" {
		return errors.New("webhook URL is required")
	}
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

type field struct {
	name   string
	value  string
	inline bool
}

func runFields(run RunSummary) []field {
	return []field{
		{name: "Input", value: fmt.Sprintf("`%s`", defaultString(run.Input, "stdin"))},
		{name: "Output", value: fmt.Sprintf("`%s`", defaultString(run.Output, "unknown"))},
		{name: "Dispatches", value: fmt.Sprintf("%s/%s", strconv.Itoa(run.Completed), numberString(run.Total)), inline: true},
		{name: "Failed", value: strconv.Itoa(run.Failed), inline: true},
		{name: "Duration", value: formatDuration(run.Duration), inline: true},
	}
}

func buildCompletePayload(opts CompleteOptions, now time.Time) ([]byte, error) {
	run := opts.Run
	timestamp := now.Format(time.RFC3339)
	title := "✅ Prompt Matrix Complete"

	switch DetectWebhookType(opts.WebhookURL) {
	case WebhookDiscord:
		description := fmt.Sprintf("Run **%s** finished all dispatches.", run.RunID)
		return json.Marshal(discordPayload(title, description, 5763719, runFields(run), timestamp))
	case WebhookSlack:
		description := fmt.Sprintf("Run *%s* finished all dispatches.", run.RunID)
		return json.Marshal(slackPayload(title, description, "#57F287", runFields(run), timestamp))
	default:
		payload := map[string]interface{}{
			"event":     "complete",
			"status":    "success",
			"run":       run.RunID,
			"input":     run.Input,
			"output":    run.Output,
			"total":     run.Total,
			"completed": run.Completed,
			"failed":    run.Failed,
			"duration":  formatDuration(run.Duration),
			"timestamp": timestamp,
			"message":   fmt.Sprintf("Run '%s' completed %d/%d dispatches (%s)", run.RunID, run.Completed, run.Total, formatDuration(run.Duration)),
		}
		return json.Marshal(payload)
	}
}

func buildFailedPayload(opts FailedOptions, now time.Time) ([]byte, error) {
	run := opts.Run
	reason := defaultString(opts.FailureReason, "unknown")
	timestamp := now.Format(time.RFC3339)
	title := "❌ Prompt Matrix Failed"

	fields := append([]field{{name: "Reason", value: reason}}, runFields(run)...)
	switch DetectWebhookType(opts.WebhookURL) {
	case WebhookDiscord:
		description := fmt.Sprintf("Run **%s** failed.", run.RunID)
		return json.Marshal(discordPayload(title, description, 15548997, fields, timestamp))
	case WebhookSlack:
		description := fmt.Sprintf("Run *%s* failed.", run.RunID)
		return json.Marshal(slackPayload(title, description, "#ED4245", fields, timestamp))
	default:
		payload := map[string]interface{}{
			"event":     "failed",
			"status":    "failure",
			"run":       run.RunID,
			"input":     run.Input,
			"output":    run.Output,
			"reason":    reason,
			"total":     run.Total,
			"completed": run.Completed,
			"failed":    run.Failed,
			"duration":  formatDuration(run.Duration),
			"timestamp": timestamp,
			"message":   fmt.Sprintf("Run '%s' failed after %d/%d dispatches: %s", run.RunID, run.Completed, run.Total, reason),
		}
		return json.Marshal(payload)
	}
}

func discordPayload(title, description string, color int, fields []field, timestamp string) map[string]interface{} {
	embedFields := make([]map[string]interface{}, 0, len(fields))
	for _, f := range fields {
		embedFields = append(embedFields, map[string]interface{}{
			"name":   f.name,
			"value":  f.value,
			"inline": f.inline,
		})
	}
	return map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": description,
				"color":       color,
				"fields":      embedFields,
				"footer": map[string]interface{}{
					"text": "promptmatrix",
				},
				"timestamp": timestamp,
			},
		},
	}
}

func slackPayload(title, description, color string, fields []field, timestamp string) map[string]interface{} {
	sectionFields := make([]map[string]interface{}, 0, len(fields))
	for _, f := range fields {
		sectionFields = append(sectionFields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:*\n%s", f.name, f.value),
		})
	}
	return map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color": color,
				"blocks": []map[string]interface{}{
					{
						"type": "header",
						"text": map[string]interface{}{
							"type":  "plain_text",
							"text":  title,
							"emoji": true,
						},
					},
					{
						"type": "section",
						"text": map[string]interface{}{
							"type": "mrkdwn",
							"text": description,
						},
					},
					{
						"type":   "section",
						"fields": sectionFields,
					},
					{
						"type": "context",
						"elements": []map[string]interface{}{
							{
								"type": "mrkdwn",
								"text": fmt.Sprintf("promptmatrix • %s", timestamp),
							},
						},
					},
				},
			},
		},
	}
}

func formatDuration(duration time.Duration) string {
	if duration <= 0 {
		return "unknown"
	}
	total := int(duration.Seconds())
	if total <= 0 {
		return "<1s"
	}
	hours := total / 3600
	mins := (total % 3600) / 60
	secs := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

func numberString(value int) string {
	if value < 0 {
		return "unknown"
	}
	return strconv.Itoa(value)
}

func defaultString(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
