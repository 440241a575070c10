package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxBodyBytes caps how much of a response body the static tier reads.
const maxBodyBytes = 10 << 20

// userAgent is sent on every static request.
const userAgent = "webrag/1.0 (+https://github.com/bad33ndj3/webrag)"

// StaticFetcher is the cheap tier: one HTTP GET and a main-content extraction.
type StaticFetcher struct {
	client *http.Client
}

// NewStaticFetcher creates a StaticFetcher with the given request timeout.
func NewStaticFetcher(timeout time.Duration) *StaticFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StaticFetcher{client: &http.Client{Timeout: timeout}}
}

// NewStaticFetcherWithClient uses client as is; tests pass an httptest client.
func NewStaticFetcherWithClient(client *http.Client) *StaticFetcher {
	return &StaticFetcher{client: client}
}

// Fetch downloads rawURL and returns its main content as markdown text.
func (f *StaticFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		return strings.TrimSpace(string(body)), nil
	}

	domain := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	return ExtractMainContent(body, domain)
}

// nonContent lists elements that never carry article text.
var nonContent = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Template: true,
}

// ExtractMainContent strips boilerplate from an HTML document, picks the most
// specific content container (article, main, role=main, then body) and
// converts it to markdown. Links are made absolute against domain.
func ExtractMainContent(doc []byte, domain string) (string, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	removeNodes(root, func(n *html.Node) bool {
		return n.Type == html.CommentNode || (n.Type == html.ElementNode && nonContent[n.DataAtom])
	})

	container := findFirst(root, isElement(atom.Article))
	if container == nil {
		container = findFirst(root, isElement(atom.Main))
	}
	if container == nil {
		container = findFirst(root, func(n *html.Node) bool {
			return n.Type == html.ElementNode && attr(n, "role") == "main"
		})
	}
	if container == nil {
		container = findFirst(root, isElement(atom.Body))
	}
	if container == nil {
		container = root
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, container); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}

	markdown, err := htmltomarkdown.ConvertString(buf.String(), converter.WithDomain(domain))
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return strings.TrimSpace(markdown), nil
}

func isElement(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == a }
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// findFirst returns the first node in document order matching match.
func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

// removeNodes detaches every descendant of n matching drop.
func removeNodes(n *html.Node, drop func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if drop(c) {
			n.RemoveChild(c)
		} else {
			removeNodes(c, drop)
		}
		c = next
	}
}
