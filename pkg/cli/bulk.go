package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
	httpctrl "github.com/secmon-lab/herald/pkg/controller/http"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"github.com/secmon-lab/herald/pkg/progress"
	"github.com/secmon-lab/herald/pkg/utils/logging"
	"github.com/secmon-lab/herald/pkg/utils/safe"
	"github.com/urfave/cli/v3"
)

var (
	errRunFailed   = goerr.New("bulk run aborted by a fatal error")
	errRequestFail = goerr.New("herald server rejected the request")
)

// itemsFile is the TOML list of items submitted to a run
type itemsFile struct {
	Items []struct {
		Key    string `toml:"key"`
		Source string `toml:"source"`
	} `toml:"item"`
}

func loadItems(path string) ([]model.BulkItem, error) {
	// #nosec G304 - path is provided by CLI argument
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read items file", goerr.V("path", path))
	}
	var f itemsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, goerr.Wrap(err, "failed to parse items file", goerr.V("path", path))
	}
	items := make([]model.BulkItem, len(f.Items))
	for i, it := range f.Items {
		items[i] = model.BulkItem{Key: it.Key, Source: it.Source}
	}
	return items, nil
}

type bulkClient struct {
	serverURL  string
	creds      model.Credentials
	user       string
	password   string
	statePath  string
	httpClient *http.Client
	out        io.Writer
}

type loginBody struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func (c *bulkClient) login() *loginBody {
	if !c.creds.IsZero() || c.user == "" {
		return nil
	}
	return &loginBody{User: c.user, Password: c.password}
}

func (c *bulkClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	u, err := url.JoinPath(c.serverURL, path)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid server URL", goerr.V("server_url", c.serverURL))
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to encode request")
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !c.creds.IsZero() {
		req.Header.Set(httpctrl.HeaderUserID, c.creds.UserID)
		req.Header.Set(httpctrl.HeaderAuthToken, c.creds.AuthToken)
	}
	return req, nil
}

// warnUnfinished reports a previous run whose stream ended without a terminal record
func (c *bulkClient) warnUnfinished() {
	prev, err := progress.LoadSnapshot(c.statePath)
	if err != nil {
		logging.Default().Warn("failed to read previous run state", "error", err, "path", c.statePath)
		return
	}
	if prev == nil || prev.Terminated {
		return
	}
	color.New(color.FgYellow).Fprintf(c.out,
		"warning: previous run %s stopped at %d/%d without a final result; check `herald bulk status` or GET /api/bulk/%s\n",
		prev.RunID, prev.Checkpoint, prev.Total, prev.RunID)
}

func (c *bulkClient) start(ctx context.Context, workspaceID, kind string, items []model.BulkItem, opts model.BulkOptions) (*progress.Snapshot, error) {
	type item struct {
		Key    string `json:"key"`
		Source string `json:"source,omitempty"`
	}
	body := struct {
		Items   []item `json:"items"`
		Options struct {
			Channel     string   `json:"channel,omitempty"`
			Roles       []string `json:"roles,omitempty"`
			FoldResults bool     `json:"fold_results,omitempty"`
		} `json:"options"`
		Login *loginBody `json:"login,omitempty"`
	}{Login: c.login()}
	for _, it := range items {
		body.Items = append(body.Items, item{Key: it.Key, Source: it.Source})
	}
	body.Options.Channel = opts.Channel
	body.Options.Roles = opts.Roles
	body.Options.FoldResults = opts.FoldResults

	req, err := c.newRequest(ctx, http.MethodPost, "/api/workspaces/"+url.PathEscape(workspaceID)+"/bulk/"+url.PathEscape(kind), body)
	if err != nil {
		return nil, err
	}
	return c.stream(req)
}

func (c *bulkClient) retry(ctx context.Context, runID string, includeUnprocessed bool) (*progress.Snapshot, error) {
	body := struct {
		IncludeUnprocessed bool       `json:"include_unprocessed"`
		Login              *loginBody `json:"login,omitempty"`
	}{IncludeUnprocessed: includeUnprocessed, Login: c.login()}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/bulk/"+url.PathEscape(runID)+"/retry-failed", body)
	if err != nil {
		return nil, err
	}
	return c.stream(req)
}

func (c *bulkClient) cancel(ctx context.Context, runID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/bulk/"+url.PathEscape(runID)+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return goerr.Wrap(err, "failed to call herald server")
	}
	defer safe.Close(ctx, resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return responseError(resp)
	}
	fmt.Fprintf(c.out, "cancellation requested for run %s\n", runID)
	return nil
}

// stream sends req, renders the progress records and keeps the state file
// current after every record.
func (c *bulkClient) stream(req *http.Request) (*progress.Snapshot, error) {
	c.warnUnfinished()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to call herald server")
	}
	defer safe.Close(req.Context(), resp.Body)

	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), progress.ContentType) {
		return nil, responseError(resp)
	}

	var snap progress.Snapshot
	terminal, _, err := progress.Consume(resp.Body, func(rec progress.Record) error {
		snap.Apply(rec)
		c.render(rec)
		if err := snap.Save(c.statePath); err != nil {
			logging.Default().Warn("failed to save run state", "error", err, "path", c.statePath)
		}
		return nil
	})
	if err != nil {
		color.New(color.FgYellow).Fprintf(c.out,
			"stream ended before the run reported a result (%d/%d processed); the outcome is unknown\n",
			snap.Checkpoint, snap.Total)
		return &snap, err
	}

	if terminal.Type == progress.TypeError {
		return &snap, goerr.Wrap(errRunFailed, terminal.Error.Message,
			goerr.V("run_id", terminal.Error.RunID), goerr.V("code", terminal.Error.Code))
	}
	return &snap, nil
}

func (c *bulkClient) render(rec progress.Record) {
	switch rec.Type {
	case progress.TypeStart:
		color.New(color.Bold).Fprintf(c.out, "run %s started: %s, %d items\n", rec.Start.RunID, rec.Start.Kind, rec.Start.Total)

	case progress.TypeProgress:
		p := rec.Progress
		fmt.Fprintf(c.out, "  [%d/%d] ok=%d skipped=%d errored=%d\n", p.Checkpoint, p.Total, p.Succeeded, p.Skipped, p.Errored)

	case progress.TypeResult:
		r := rec.Result
		c.renderResult(*r)

	case progress.TypeDone:
		d := rec.Done
		for _, r := range d.Results {
			c.renderResult(r)
		}
		for _, e := range d.Errors {
			color.New(color.FgRed).Fprintf(c.out, "  error #%d %s: %s\n", e.Index, e.Item, e.Reason)
		}
		status := color.New(color.FgGreen, color.Bold)
		if d.Status != progress.StatusCompleted || d.Counters.Errored > 0 {
			status = color.New(color.FgYellow, color.Bold)
		}
		msg := d.Status
		if d.Cause != "" {
			msg += " (" + d.Cause + ")"
		}
		status.Fprintf(c.out, "run %s %s: processed=%d ok=%d skipped=%d errored=%d\n",
			d.RunID, msg, d.Counters.Processed, d.Counters.Succeeded, d.Counters.Skipped, d.Counters.Errored)

	case progress.TypeError:
		e := rec.Error
		color.New(color.FgRed, color.Bold).Fprintf(c.out, "run %s aborted [%s]: %s\n", e.RunID, e.Code, e.Message)
	}
}

// outcomeColor maps a wire outcome to its display color. Successes carry
// the kind's label, such as UPLOADED or ADDED.
func outcomeColor(outcome string) color.Attribute {
	switch types.OutcomeKind(outcome) {
	case types.OutcomeSkippedExists:
		return color.FgCyan
	case types.OutcomeError:
		return color.FgRed
	default:
		return color.FgGreen
	}
}

func (c *bulkClient) renderResult(r progress.Result) {
	line := fmt.Sprintf("  #%d %s %s", r.Index, r.Item, r.Outcome)
	if r.Reason != "" {
		line += ": " + r.Reason
	}
	color.New(outcomeColor(r.Outcome)).Fprintln(c.out, line)
}

func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return goerr.Wrap(errRequestFail, strings.TrimSpace(string(raw)), goerr.V("status", resp.StatusCode))
}

func printSnapshot(w io.Writer, snap *progress.Snapshot) {
	if snap == nil {
		fmt.Fprintln(w, "no run recorded")
		return
	}
	state := "in progress or interrupted"
	if snap.Terminated {
		state = snap.Status
		if snap.ErrorCode != "" {
			state += " [" + snap.ErrorCode + "]"
		}
	}
	fmt.Fprintf(w, "run %s (%s): %s\n  %d/%d processed, ok=%d skipped=%d errored=%d\n  last update %s\n",
		snap.RunID, snap.Kind, state, snap.Checkpoint, snap.Total,
		snap.Counters.Succeeded, snap.Counters.Skipped, snap.Counters.Errored,
		snap.UpdatedAt.Format(time.RFC3339))
}

func cmdBulk() *cli.Command {
	client := &bulkClient{out: os.Stdout}
	var timeout time.Duration

	shared := []cli.Flag{
		&cli.StringFlag{
			Name:        "server-url",
			Usage:       "herald server base URL",
			Value:       "http://localhost:8080",
			Sources:     cli.EnvVars("HERALD_SERVER_URL"),
			Destination: &client.serverURL,
		},
		&cli.StringFlag{
			Name:        "rc-user-id",
			Usage:       "Execution user ID on the chat server",
			Category:    "Credentials",
			Sources:     cli.EnvVars("HERALD_RC_USER_ID"),
			Destination: &client.creds.UserID,
		},
		&cli.StringFlag{
			Name:        "rc-auth-token",
			Usage:       "Execution auth token on the chat server",
			Category:    "Credentials",
			Sources:     cli.EnvVars("HERALD_RC_AUTH_TOKEN"),
			Destination: &client.creds.AuthToken,
		},
		&cli.StringFlag{
			Name:        "rc-user",
			Usage:       "Login name, used when no token is given",
			Category:    "Credentials",
			Sources:     cli.EnvVars("HERALD_RC_USER"),
			Destination: &client.user,
		},
		&cli.StringFlag{
			Name:        "rc-password",
			Usage:       "Login password, used when no token is given",
			Category:    "Credentials",
			Sources:     cli.EnvVars("HERALD_RC_PASSWORD"),
			Destination: &client.password,
		},
		&cli.StringFlag{
			Name:        "state-file",
			Usage:       "Where the last observed run state is kept",
			Value:       ".herald/bulk-state.json",
			Sources:     cli.EnvVars("HERALD_BULK_STATE_FILE"),
			Destination: &client.statePath,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Overall request timeout (0 for none)",
			Destination: &timeout,
		},
	}

	before := func(ctx context.Context, c *cli.Command) (context.Context, error) {
		client.httpClient = &http.Client{Timeout: timeout}
		return ctx, nil
	}

	var workspaceID, kind, itemsPath, channel, runID string
	var roles []string
	var fold, includeUnprocessed bool

	runFlags := append([]cli.Flag{
		&cli.StringFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "Workspace ID", Required: true, Destination: &workspaceID},
		&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Operation kind [emoji|users]", Required: true, Destination: &kind},
		&cli.StringFlag{Name: "items", Aliases: []string{"i"}, Usage: "TOML file with [[item]] key/source entries", Required: true, Destination: &itemsPath},
		&cli.StringFlag{Name: "channel", Usage: "users: channel every new user joins", Destination: &channel},
		&cli.StringSliceFlag{Name: "role", Usage: "users: role to assign (repeatable)", Destination: &roles},
		&cli.BoolFlag{Name: "fold", Usage: "Report per-item results only at the end", Destination: &fold},
	}, shared...)

	retryFlags := append([]cli.Flag{
		&cli.StringFlag{Name: "run-id", Usage: "Run to retry", Required: true, Destination: &runID},
		&cli.BoolFlag{Name: "include-unprocessed", Usage: "Also resubmit items the run never reached", Destination: &includeUnprocessed},
	}, shared...)

	cancelFlags := append([]cli.Flag{
		&cli.StringFlag{Name: "run-id", Usage: "Run to cancel", Required: true, Destination: &runID},
	}, shared...)

	return &cli.Command{
		Name:  "bulk",
		Usage: "Run and follow bulk operations on a herald server",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start a bulk run and follow its progress",
				Flags:  runFlags,
				Before: before,
				Action: func(ctx context.Context, c *cli.Command) error {
					items, err := loadItems(itemsPath)
					if err != nil {
						return err
					}
					_, err = client.start(ctx, workspaceID, kind, items, model.BulkOptions{
						Channel:     channel,
						Roles:       roles,
						FoldResults: fold,
					})
					return err
				},
			},
			{
				Name:   "retry",
				Usage:  "Resubmit the failed items of a finished run",
				Flags:  retryFlags,
				Before: before,
				Action: func(ctx context.Context, c *cli.Command) error {
					_, err := client.retry(ctx, runID, includeUnprocessed)
					return err
				},
			},
			{
				Name:   "cancel",
				Usage:  "Request cancellation of a running run",
				Flags:  cancelFlags,
				Before: before,
				Action: func(ctx context.Context, c *cli.Command) error {
					return client.cancel(ctx, runID)
				},
			},
			{
				Name:  "status",
				Usage: "Show the last observed run state",
				Flags: shared,
				Action: func(ctx context.Context, c *cli.Command) error {
					snap, err := progress.LoadSnapshot(client.statePath)
					if err != nil {
						return err
					}
					printSnapshot(client.out, snap)
					return nil
				},
			},
		},
	}
}
