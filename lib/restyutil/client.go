package restyutil

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

// ErrorBody is the json shape the control server uses for failures.
type ErrorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewClient returns a client for the control server at baseURL. when
// debugDir is set, every exchange is dumped there.
func NewClient(baseURL, debugDir string) (*resty.Client, error) {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(time.Second*30).
		SetHeader("Accept", "application/json").
		SetError(&ErrorBody{})

	var sink Sink
	if debugDir != "" {
		dump, err := NewDumpDir(debugDir)
		if err != nil {
			return nil, err
		}
		sink = dump
	}
	Instrument(client, otel.Tracer("shopsync.cli"), sink)
	return client, nil
}

// Check turns a non-2xx response into an error carrying the server message.
func Check(res *resty.Response) error {
	if !res.IsError() {
		return nil
	}
	if body, ok := res.Error().(*ErrorBody); ok && body.Message != "" {
		return fmt.Errorf("%s: %s", res.Status(), body.Message)
	}
	return fmt.Errorf("%s", res.Status())
}
