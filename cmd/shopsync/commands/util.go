package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/restyutil"

	"github.com/go-resty/resty/v2"
	"github.com/jedib0t/go-pretty/v6/table"
)

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

// controlClient talks to the control server of a running serve process.
func controlClient() (*resty.Client, error) {
	base := *serverURL
	if base == "" {
		addr := cfg.Listen
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
		base = "http://" + addr
	}
	return restyutil.NewClient(base, *debugDir)
}

func channelArg(name string) (model.Channel, error) {
	channel := model.Channel(name)
	if _, ok := cfg.Channel(channel); !ok {
		return "", fmt.Errorf("unknown channel %q, configured: %v", name, cfg.ChannelNames())
	}
	return channel, nil
}
