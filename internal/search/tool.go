package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hward/chatrelay/internal/tools"
)

// Tool wraps a search provider as an in-process tool the orchestrator
// can dispatch to directly, with no MCP transport involved.
func Tool(p Provider) *tools.Tool {
	return &tools.Tool{
		Name:        "web_search",
		Description: "Search the web and return a list of matching pages with titles, URLs, and snippets.",
		Parameters:  toolParameters(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("web_search: query is required")
			}

			opts := Options{}
			if count, ok := args["count"].(float64); ok && count > 0 {
				opts.Count = int(count)
			}
			if lang, ok := args["language"].(string); ok {
				opts.Language = lang
			}

			results, err := p.Search(ctx, query, opts)
			if err != nil {
				return "", err
			}

			// JSON for structured consumption by the model; fall back
			// to the plain-text rendering if marshaling fails.
			out, err := json.Marshal(results)
			if err != nil {
				return FormatResults(results), nil
			}
			return string(out), nil
		},
	}
}

func toolParameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query string.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return (1-10). Default: 5.",
			},
			"language": map[string]any{
				"type":        "string",
				"description": "ISO 639-1 language code for results (e.g., 'en', 'de').",
			},
		},
		"required": []string{"query"},
	}
}
