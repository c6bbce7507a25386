package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/configutil"
	"shopsync/lib/telemetry"

	"dario.cat/mergo"
)

const FileName = "shopsync.json5"

// ListingConfig describes the listing table of a source page. columns are
// 1-based so that an unset value can fall back to its default.
type ListingConfig struct {
	RowSelector string `json:"row_selector"`
	DateColumn  int    `json:"date_column"`
	IDColumn    int    `json:"id_column"`
	MinColumns  int    `json:"min_columns"`
}

// ColumnConfig is one output cell of an extracted row. exactly one of
// Column (1-based source cell), Value (constant) or Field ("date", "id")
// should be set.
type ColumnConfig struct {
	Column int    `json:"column"`
	Value  string `json:"value"`
	Field  string `json:"field"`
}

type TableConfig struct {
	RowSelector string         `json:"row_selector"`
	MinColumns  int            `json:"min_columns"`
	Columns     []ColumnConfig `json:"columns"`
}

type ChannelConfig struct {
	Name model.Channel `json:"name"`
	// page holding the list of documents
	ListingURL string `json:"listing_url"`
	// template with {id} and {date} placeholders
	DetailURL string        `json:"detail_url"`
	ERPHash   string        `json:"erp_hash"`
	Listing   ListingConfig `json:"listing"`
	Table     TableConfig   `json:"table"`
}

type SchedulerConfig struct {
	IntervalSeconds int    `json:"interval_seconds"`
	SettleMillis    int    `json:"settle_ms"`
	PauseMillis     int    `json:"pause_ms"`
	WarmupURL       string `json:"warmup_url"`
}

func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c SchedulerConfig) Settle() time.Duration {
	return time.Duration(c.SettleMillis) * time.Millisecond
}

func (c SchedulerConfig) Pause() time.Duration {
	return time.Duration(c.PauseMillis) * time.Millisecond
}

type BrowserConfig struct {
	PrimaryURL   string `json:"primary_url"`
	SecondaryURL string `json:"secondary_url"`
	ExecPath     string `json:"exec_path"`
	LaunchPort   int    `json:"launch_port"`
	ProfileDir   string `json:"profile_dir"`
	SettleMillis int    `json:"launch_settle_ms"`
}

func (c BrowserConfig) LaunchSettle() time.Duration {
	return time.Duration(c.SettleMillis) * time.Millisecond
}

type ERPConfig struct {
	URL             string   `json:"url"`
	LoginHost       string   `json:"login_host"`
	CompanyCode     string   `json:"company_code"`
	Username        string   `json:"username"`
	Password        string   `json:"password"`
	CompanySelector string   `json:"company_selector"`
	UserSelector    string   `json:"user_selector"`
	PassSelector    string   `json:"password_selector"`
	SubmitSelector  string   `json:"submit_selector"`
	UploaderPresent string   `json:"uploader_present_selector"`
	UploaderButtons []string `json:"uploader_buttons"`
	DialogSelector  string   `json:"dialog_selector"`
	DialogKeyword   string   `json:"dialog_keyword"`
	CellSelectors   []string `json:"cell_selectors"`
	NavigateMillis  int      `json:"navigate_ms"`
	LoginMillis     int      `json:"login_ms"`
	DialogMillis    int      `json:"dialog_ms"`
	FocusMillis     int      `json:"focus_ms"`
}

type Config struct {
	Debug        bool   `json:"debug"`
	Listen       string `json:"listen"`
	DataDir      string `json:"data_dir"`
	HistoryFile  string `json:"history_file"`
	AuditDB      string `json:"audit_db"`
	ArtifactsDir string `json:"artifacts_dir"`
	ExportDir    string `json:"export_dir"`
	MaxRows      int    `json:"max_rows"`
	AutoActivate bool   `json:"auto_activate"`

	Scheduler SchedulerConfig  `json:"scheduler"`
	Channels  []ChannelConfig  `json:"channels"`
	Browser   BrowserConfig    `json:"browser"`
	ERP       ERPConfig        `json:"erp"`
	Telemetry telemetry.Config `json:"telemetry"`
}

func defaultListing() ListingConfig {
	return ListingConfig{
		RowSelector: "table.table tbody tr",
		DateColumn:  1,
		IDColumn:    2,
		MinColumns:  6,
	}
}

func defaultTable() TableConfig {
	return TableConfig{
		RowSelector: "table tbody tr",
		MinColumns:  1,
	}
}

// Defaults returns the values the system ships with.
func Defaults() Config {
	const source = "http://door.yl.co.kr/oms"
	const detail = source + "/trans_doc.jsp?chulhano={id}&younglim_gubun=임업"

	return Config{
		Listen:       "127.0.0.1:5080",
		DataDir:      "data/downloads",
		HistoryFile:  "data/v8_history.json",
		AuditDB:      "data/audit.db",
		ArtifactsDir: "logs",
		ExportDir:    "data/exports",
		MaxRows:      10,
		Scheduler: SchedulerConfig{
			IntervalSeconds: 1800,
			SettleMillis:    2000,
			PauseMillis:     1000,
			WarmupURL:       source + "/main.jsp",
		},
		Channels: []ChannelConfig{
			{
				Name:       "ledger",
				ListingURL: source + "/ledger_list.jsp",
				DetailURL:  detail,
				ERPHash:    "menuType=MENUTREE_000004&menuSeq=MENUTREE_000510&groupSeq=MENUTREE_000031&prgId=E040303&depth=4",
				Listing:    defaultListing(),
				Table:      defaultTable(),
			},
			{
				Name:       "estimate",
				ListingURL: source + "/estimate_list.jsp",
				DetailURL:  detail,
				ERPHash:    "menuType=MENUTREE_000004&menuSeq=MENUTREE_000486&groupSeq=MENUTREE_000030&prgId=E040201&depth=4",
				Listing:    defaultListing(),
				Table:      defaultTable(),
			},
		},
		Browser: BrowserConfig{
			PrimaryURL:   "http://127.0.0.1:9333",
			SecondaryURL: "http://127.0.0.1:9222",
			LaunchPort:   9223,
			ProfileDir:   "data/avast_automation_profile",
			SettleMillis: 3000,
		},
		ERP: ERPConfig{
			URL:             "https://loginab.ecount.com/ec5/view/erp?w_flag=1",
			LoginHost:       "login.ecount.com",
			CompanySelector: `input[name="com_code"]`,
			UserSelector:    `input[name="id"]`,
			PassSelector:    `input[name="passwd"]`,
			SubmitSelector:  `button[id="save"]`,
			UploaderPresent: "#webUploader",
			UploaderButtons: []string{
				"#webUploader",
				"#toolbar_toolbar_item_web_uploader button",
				`button[data-item-key="web_uploader_footer_toolbar"]`,
			},
			DialogSelector: ".ui-dialog",
			DialogKeyword:  "엑셀서식내려받기로",
			CellSelectors:  []string{"span.grid-input-data", "input"},
			NavigateMillis: 5000,
			LoginMillis:    5000,
			DialogMillis:   3000,
			FocusMillis:    1500,
		},
	}
}

// Resolve layers config over the defaults. channels given by the user
// replace the default channel list, but each channel still inherits the
// default listing and table layout for fields it leaves empty.
func Resolve(config Config) (Config, error) {
	out, err := configutil.WithDefaults(config, Defaults())
	if err != nil {
		return Config{}, err
	}
	for i := range out.Channels {
		err := mergo.Merge(&out.Channels[i].Listing, defaultListing())
		if err != nil {
			return Config{}, err
		}
		err = mergo.Merge(&out.Channels[i].Table, defaultTable())
		if err != nil {
			return Config{}, err
		}
	}
	return out, out.Validate()
}

// Load reads shopsync.json5 (and its .local override) from the working
// directory or any parent. a missing file yields the defaults.
func Load() (Config, error) {
	config, err := configutil.ReadRecursively[Config](FileName)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", FileName, err)
	}
	return Resolve(config)
}

// LoadFile reads an explicit config path, it must exist.
func LoadFile(path string) (Config, error) {
	config, err := configutil.ReadConfig[Config](path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Resolve(config)
}

func (c Config) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}
	seen := map[model.Channel]bool{}
	for _, ch := range c.Channels {
		name := string(ch.Name)
		if name == "" || strings.ContainsAny(name, `/\ `) || name == "." || name == ".." {
			return fmt.Errorf("invalid channel name %q", name)
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel %q", name)
		}
		seen[ch.Name] = true
		if ch.ListingURL == "" {
			return fmt.Errorf("channel %s: listing_url is required", name)
		}
		if ch.DetailURL == "" || !strings.Contains(ch.DetailURL, "{id}") {
			return fmt.Errorf("channel %s: detail_url must contain {id}", name)
		}
		if ch.Listing.DateColumn < 1 || ch.Listing.IDColumn < 1 {
			return fmt.Errorf("channel %s: listing columns are 1-based", name)
		}
		for _, col := range ch.Table.Columns {
			if col.Field != "" && col.Field != "date" && col.Field != "id" {
				return fmt.Errorf("channel %s: unknown column field %q", name, col.Field)
			}
		}
	}
	if c.MaxRows <= 0 {
		return fmt.Errorf("max_rows must be positive")
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be positive")
	}
	if _, err := url.Parse(c.ERP.URL); err != nil {
		return fmt.Errorf("erp.url: %w", err)
	}
	if c.DataDir == "" || c.HistoryFile == "" || c.AuditDB == "" {
		return fmt.Errorf("data_dir, history_file and audit_db are required")
	}
	return nil
}

// Channel looks up a configured channel by name.
func (c Config) Channel(name model.Channel) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

func (c Config) ChannelNames() []model.Channel {
	out := make([]model.Channel, len(c.Channels))
	for i, ch := range c.Channels {
		out[i] = ch.Name
	}
	return out
}
