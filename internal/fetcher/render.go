package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/bad33ndj3/webrag/internal/text"
)

// Renderer returns the fully rendered markup of a page.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// ChromeRenderer drives a headless Chrome through chromedp. Each call gets
// its own browser process, so renders never share cookies or storage.
type ChromeRenderer struct {
	timeout   time.Duration
	allocOpts []chromedp.ExecAllocatorOption
}

// NewChromeRenderer creates a renderer that waits up to timeout for the page
// to reach network idle.
func NewChromeRenderer(timeout time.Duration, execPath string) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(userAgent),
	)
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	return &ChromeRenderer{timeout: timeout, allocOpts: opts}
}

// Render navigates to url, waits for network idle and returns the outer HTML.
func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, r.allocOpts...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	tabCtx, cancel := context.WithTimeout(tabCtx, r.timeout)
	defer cancel()

	// Lifecycle events from the initial about:blank document are ignored:
	// only a networkIdle that follows the navigation's own "init" counts.
	var navigating, initSeen atomic.Bool
	idle := make(chan struct{})
	var once sync.Once
	chromedp.ListenTarget(tabCtx, func(ev any) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok || !navigating.Load() {
			return
		}
		switch e.Name {
		case "init":
			initSeen.Store(true)
		case "networkIdle":
			if initSeen.Load() {
				once.Do(func() { close(idle) })
			}
		}
	})

	var markup string
	err := chromedp.Run(tabCtx,
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(context.Context) error {
			navigating.Store(true)
			return nil
		}),
		chromedp.Navigate(url),
		chromedp.ActionFunc(func(ctx context.Context) error {
			select {
			case <-idle:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("wait for network idle: %w", ctx.Err())
			}
		}),
		chromedp.OuterHTML("html", &markup, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return markup, nil
}

// hiddenInRender lists elements whose text is dropped from rendered pages.
var hiddenInRender = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Template: true,
}

// VisibleText flattens rendered markup into a single whitespace-collapsed
// text stream, skipping non-content elements.
func VisibleText(markup string) (string, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse rendered html: %w", err)
	}

	var buf bytes.Buffer
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hiddenInRender[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
			buf.WriteByte(' ')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return text.CollapseWhitespace(buf.String()), nil
}
