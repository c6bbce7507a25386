package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shopsync/lib/restyutil"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

// targetInfo is one entry of the devtools /json/list endpoint.
type targetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// devtools talks to the http side of the devtools endpoint, which lists,
// opens and closes tabs without holding a websocket.
type devtools struct {
	client *resty.Client
}

func newDevtools(endpoint string) devtools {
	client := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(attachTimeout)
	restyutil.Instrument(client, otel.Tracer("shopsync.lib.browser"), nil)
	return devtools{client: client}
}

func (d devtools) pages(ctx context.Context) ([]targetInfo, error) {
	var out []targetInfo
	res, err := d.client.R().SetContext(ctx).SetResult(&out).ForceContentType("application/json").Get("/json/list")
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("list targets: %s", res.Status())
	}
	return out, nil
}

func (d devtools) open(ctx context.Context) (targetInfo, error) {
	var out targetInfo
	res, err := d.client.R().SetContext(ctx).SetResult(&out).ForceContentType("application/json").Put("/json/new?about:blank")
	if err != nil {
		return targetInfo{}, err
	}
	if res.IsError() || out.ID == "" {
		return targetInfo{}, fmt.Errorf("open tab: %s", res.Status())
	}
	return out, nil
}

func (d devtools) close(ctx context.Context, id string) error {
	res, err := d.client.R().SetContext(ctx).Get("/json/close/" + id)
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("close tab %s: %s", id, res.Status())
	}
	return nil
}

// operatorPage is the tab the operator works in: the first ordinary page,
// skipping devtools windows and extension pages.
func operatorPage(targets []targetInfo) (targetInfo, bool) {
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if strings.HasPrefix(t.URL, "devtools://") || strings.HasPrefix(t.URL, "chrome-extension://") {
			continue
		}
		return t, true
	}
	return targetInfo{}, false
}

// closeTimeout bounds the tab cleanup done by Close, which has no caller ctx.
const closeTimeout = 5 * time.Second
