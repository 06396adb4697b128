package tools

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"nova/internal/llm"
)

const maxFetchedChars = 20000

// webFetch downloads a page and reduces it to readable text.
type webFetch struct {
	client *http.Client
}

func NewWebFetch(client *http.Client) Tool {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		}
	}
	return &webFetch{client: client}
}

func (t *webFetch) Name() string { return "web_fetch" }

func (t *webFetch) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content (title, headings, paragraphs).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute http(s) URL to fetch",
				},
			},
			"required": []string{"url"},
		},
	}
}

func (t *webFetch) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, _ := args["url"].(string)
	parsed, err := neturl.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("web_fetch requires an absolute http(s) url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "nova/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", parsed.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", parsed.Host, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", parsed.Host, err)
	}

	return extractText(doc), nil
}

// extractText walks the document in reading order: title first, then
// headings, paragraphs and list items. Script and style bodies are dropped.
func extractText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, footer").Remove()

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString("# " + title + "\n\n")
	}

	doc.Find("h1, h2, h3, h4, p, li").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1", "h2", "h3", "h4":
			b.WriteString("## " + text + "\n")
		case "li":
			b.WriteString("- " + text + "\n")
		default:
			b.WriteString(text + "\n")
		}
	})

	out := strings.TrimSpace(b.String())
	if len(out) > maxFetchedChars {
		out = out[:maxFetchedChars] + "\n[truncated]"
	}
	if out == "" {
		out = "[no readable content]"
	}
	return out
}
