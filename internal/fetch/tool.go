package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hward/chatrelay/internal/tools"
)

// Tool wraps a Fetcher as an in-process tool the orchestrator can
// dispatch to directly.
func Tool(f *Fetcher) *tools.Tool {
	return &tools.Tool{
		Name:        "fetch_url",
		Description: "Fetch a web page and return its readable text content with scripts, navigation, and markup stripped.",
		Parameters:  toolParameters(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return "", fmt.Errorf("fetch_url: url is required")
			}

			maxChars := 0
			if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
				maxChars = int(mc)
			}

			page, err := f.Fetch(ctx, url, maxChars)
			if err != nil {
				return "", err
			}

			out, err := json.Marshal(page)
			if err != nil {
				return fmt.Sprintf("Title: %s\n\n%s", page.Title, page.Content), nil
			}
			return string(out), nil
		},
	}
}

func toolParameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to fetch and extract content from.",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": "Maximum characters to return. Default: 50000.",
			},
		},
		"required": []string{"url"},
	}
}
