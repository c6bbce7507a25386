package restyutil

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"shopsync/lib/timezone"

	"github.com/go-resty/resty/v2"
)

// Exchange is one request/response pair with the control server.
type Exchange struct {
	ID       uint64
	Method   string
	URL      string
	Status   int
	Elapsed  time.Duration
	Request  string
	Response string
}

func headerLines(headers http.Header) []string {
	lines := []string{}
	for key, values := range headers {
		for _, v := range values {
			lines = append(lines, key+": "+v)
		}
	}
	slices.Sort(lines)
	return lines
}

func requestBody(req *http.Request) string {
	if req == nil || req.GetBody == nil {
		return ""
	}
	body, err := req.GetBody()
	if err != nil {
		return "<unreadable body: " + err.Error() + ">"
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return "<unreadable body: " + err.Error() + ">"
	}
	return string(raw)
}

func newExchange(id uint64, res *resty.Response) Exchange {
	req := res.Request
	var request strings.Builder
	if req.RawRequest != nil {
		for _, line := range headerLines(req.RawRequest.Header) {
			request.WriteString(line + "\n")
		}
		if body := requestBody(req.RawRequest); body != "" {
			request.WriteString("\n" + body + "\n")
		}
	}

	var response strings.Builder
	for _, line := range headerLines(res.Header()) {
		response.WriteString(line + "\n")
	}
	response.WriteString("\n")
	response.Write(res.Body())

	return Exchange{
		ID:       id,
		Method:   req.Method,
		URL:      req.URL,
		Status:   res.StatusCode(),
		Elapsed:  res.Time(),
		Request:  request.String(),
		Response: response.String(),
	}
}

func (e Exchange) String() string {
	return fmt.Sprintf(
		"> %s %s\n%s\n< %d (%s)\n%s\n",
		e.Method, e.URL, e.Request,
		e.Status, e.Elapsed.Round(time.Millisecond), e.Response,
	)
}

// Sink receives every completed exchange.
type Sink interface {
	Save(e Exchange)
}

// DumpDir writes each exchange to its own text file.
type DumpDir struct {
	dir string
}

func NewDumpDir(dir string) (DumpDir, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return DumpDir{}, fmt.Errorf("create dump dir: %w", err)
	}
	return DumpDir{dir: dir}, nil
}

func (d DumpDir) Save(e Exchange) {
	name := fmt.Sprintf("%s_%03d_%s.txt", timezone.FileStamp(timezone.Now()), e.ID, strings.ToLower(e.Method))
	err := os.WriteFile(filepath.Join(d.dir, name), []byte(e.String()), 0600)
	if err != nil {
		slog.Warn("failed to dump http exchange", "id", e.ID, "err", err)
	}
}
