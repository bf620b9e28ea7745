package tools

import (
	"context"
	"fmt"

	"github.com/agenthive/hive/pkg/config"
)

// Names of the sandbox fallback tools. These substitute for native
// provider capabilities on models that lack them.
const (
	SandboxBrowserTool     = "sandbox_browser"
	SandboxInterpreterTool = "sandbox_code_interpreter"
)

const sandboxBrowserSchema = `{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": ["search", "fetch"],
			"description": "Operation: search=query a search engine, fetch=retrieve a URL"
		},
		"query": {
			"type": "string",
			"description": "Search keywords (required when action=search)"
		},
		"url": {
			"type": "string",
			"description": "Page URL to fetch, must start with http:// or https:// (required when action=fetch)"
		},
		"num_results": {
			"type": "integer",
			"description": "Number of search results to return (default 8)",
			"default": 8
		},
		"extract_content": {
			"type": "boolean",
			"description": "Whether to extract page text (default true, action=fetch only)",
			"default": true
		}
	},
	"required": ["action"]
}`

const sandboxInterpreterSchema = `{
	"type": "object",
	"properties": {
		"code": {
			"type": "string",
			"description": "Code to execute"
		},
		"language": {
			"type": "string",
			"enum": ["python", "javascript"],
			"description": "Programming language",
			"default": "python"
		}
	},
	"required": ["code"]
}`

// RegisterSandboxTools registers the browser and code interpreter fallback
// tools on the registry.
func RegisterSandboxTools(reg *Registry, browser *Browser, runner *CodeRunner, cfg *config.SandboxConfig) error {
	browserDef := Definition{
		Name: SandboxBrowserTool,
		Description: "Web search and page browsing tool with two operations. " +
			"1. search: query a search engine and get a result list (title, url, snippet). " +
			"Use it to find information, recent data, and facts. " +
			"2. fetch: retrieve a URL and extract its title and text content. " +
			"Use it to read a page found via search. " +
			"Typical flow: search for keywords, pick a relevant URL, fetch it for detail.",
		ParametersSchema: sandboxBrowserSchema,
		Handler:          browserHandler(browser),
		Timeout:          cfg.Browser.CallTimeout,
	}
	if err := reg.Register(browserDef); err != nil {
		return err
	}

	interpreterDef := Definition{
		Name: SandboxInterpreterTool,
		Description: "Executes code in a secure cloud sandbox and returns the output. " +
			"Supports Python and JavaScript. Use it for data analysis, numeric " +
			"computation, and code verification.",
		ParametersSchema: sandboxInterpreterSchema,
		Handler:          interpreterHandler(runner),
		Timeout:          cfg.CodeRunner.CallTimeout,
	}
	return reg.Register(interpreterDef)
}

func browserHandler(browser *Browser) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		action, _ := args["action"].(string)
		switch action {
		case "search":
			query, _ := args["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("search requires a query argument")
			}
			numResults := intArg(args, "num_results", 0)
			return browser.Search(ctx, query, numResults), nil
		case "fetch":
			pageURL, _ := args["url"].(string)
			if pageURL == "" {
				return nil, fmt.Errorf("fetch requires a url argument")
			}
			extract := true
			if v, ok := args["extract_content"].(bool); ok {
				extract = v
			}
			return browser.Fetch(ctx, pageURL, extract), nil
		default:
			return nil, fmt.Errorf("unknown action %q, expected search or fetch", action)
		}
	}
}

func interpreterHandler(runner *CodeRunner) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		code, _ := args["code"].(string)
		language, _ := args["language"].(string)
		return runner.Execute(ctx, code, language), nil
	}
}

// intArg reads a numeric argument that may arrive as float64 (decoded
// JSON) or int (test fixtures).
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
