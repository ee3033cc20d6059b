package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bmc-flashd/internal/updater"
)

// client talks to a running daemon over its socket.
type client struct {
	http *http.Client
	base string
}

func newClient(socket string) *client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &client{
		http: &http.Client{Transport: transport, Timeout: 10 * time.Minute},
		base: "http://bmc-flashd",
	}
}

type apiError struct {
	Status  int
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	return c.send(ctx, method, path, "application/json", body, out)
}

func (c *client) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) list(ctx context.Context) ([]updater.Info, error) {
	var list []updater.Info
	if err := c.do(ctx, http.MethodGet, "/v1/software", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *client) get(ctx context.Context, id string) (updater.Info, error) {
	var info updater.Info
	if err := c.do(ctx, http.MethodGet, "/v1/software/"+url.PathEscape(id), nil, &info); err != nil {
		return updater.Info{}, err
	}
	return info, nil
}

func (c *client) activate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/software/"+url.PathEscape(id)+"/activate", nil, nil)
}

func (c *client) setPriority(ctx context.Context, id string, priority uint8) error {
	return c.do(ctx, http.MethodPut, "/v1/software/"+url.PathEscape(id)+"/priority", map[string]uint8{"priority": priority}, nil)
}

func (c *client) erase(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/software/"+url.PathEscape(id), nil, nil)
}

func (c *client) deleteAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/software:deleteAll", nil, nil)
}

func (c *client) reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/reset", nil, nil)
}

func (c *client) fieldMode(ctx context.Context) (bool, error) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/fieldmode", nil, &body)
	return body.Enabled, err
}

func (c *client) setFieldMode(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPost, "/v1/fieldmode", map[string]bool{"enabled": enabled}, nil)
}

func (c *client) associations(ctx context.Context) ([]updater.Association, error) {
	var list []updater.Association
	if err := c.do(ctx, http.MethodGet, "/v1/associations", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *client) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var out map[string]string
	q := url.Values{"name": {filepath.Base(path)}}
	err = c.send(ctx, http.MethodPost, "/v1/images?"+q.Encode(), "application/octet-stream", f, &out)
	return out["path"], err
}

func (c *client) fetch(ctx context.Context, key, sum string) (string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodPost, "/v1/images:fetch", map[string]string{"key": key, "sha256": sum}, &out)
	return out["path"], err
}

// clientFor resolves the daemon socket from the flags or the configuration.
func clientFor() (*client, error) {
	if socketPath != "" {
		return newClient(socketPath), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newClient(cfg.SocketPath), nil
}

// clientCommand builds a command that runs fn against the daemon.
func clientCommand(use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, c *client, out io.Writer, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor()
			if err != nil {
				return err
			}
			return fn(cmd.Context(), c, cmd.OutOrStdout(), args)
		},
	}
}

func addClientCommands(root *cobra.Command) {
	var sha string
	fetchCmd := clientCommand("fetch <key>", "Download an image archive from the remote store into the upload directory", cobra.ExactArgs(1),
		func(ctx context.Context, c *client, out io.Writer, args []string) error {
			path, err := c.fetch(ctx, args[0], sha)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, path)
			return nil
		})
	fetchCmd.Flags().StringVar(&sha, "sha256", "", "expected sha256 of the archive")

	root.AddCommand(
		clientCommand("list", "List firmware versions", cobra.NoArgs, runList),
		clientCommand("show <id>", "Show one firmware version", cobra.ExactArgs(1),
			func(ctx context.Context, c *client, out io.Writer, args []string) error {
				info, err := c.get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, info)
			}),
		clientCommand("activate <id>", "Write a version to flash", cobra.ExactArgs(1),
			func(ctx context.Context, c *client, _ io.Writer, args []string) error {
				return c.activate(ctx, args[0])
			}),
		clientCommand("priority <id> <0-255>", "Set the redundancy priority of an active version", cobra.ExactArgs(2),
			func(ctx context.Context, c *client, _ io.Writer, args []string) error {
				p, err := strconv.ParseUint(args[1], 10, 8)
				if err != nil {
					return fmt.Errorf("priority must be between 0 and 255: %w", err)
				}
				return c.setPriority(ctx, args[0], uint8(p))
			}),
		clientCommand("delete <id>", "Erase a version", cobra.ExactArgs(1),
			func(ctx context.Context, c *client, _ io.Writer, args []string) error {
				return c.erase(ctx, args[0])
			}),
		clientCommand("delete-all", "Erase every version except the running one", cobra.NoArgs,
			func(ctx context.Context, c *client, _ io.Writer, _ []string) error {
				return c.deleteAll(ctx)
			}),
		clientCommand("reset", "Clear persistent settings on the next boot", cobra.NoArgs,
			func(ctx context.Context, c *client, out io.Writer, _ []string) error {
				if err := c.reset(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "factory reset will take effect upon reboot")
				return nil
			}),
		clientCommand("field-mode [enable]", "Show field mode, or enable it", cobra.MaximumNArgs(1), runFieldMode),
		clientCommand("associations", "List version associations", cobra.NoArgs,
			func(ctx context.Context, c *client, out io.Writer, _ []string) error {
				list, err := c.associations(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, list)
			}),
		clientCommand("upload <archive>", "Upload an image archive", cobra.ExactArgs(1),
			func(ctx context.Context, c *client, out io.Writer, args []string) error {
				path, err := c.upload(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(out, path)
				return nil
			}),
		fetchCmd,
		jobsCmd(),
	)
}

func runList(ctx context.Context, c *client, out io.Writer, _ []string) error {
	list, err := c.list(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tPURPOSE\tSTATE\tPRIORITY\tPROGRESS\tFLAGS")
	for _, in := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			in.ID, in.Version, in.Purpose, in.State, optional(in.Priority), optional(in.Progress), flags(in))
	}
	return tw.Flush()
}

func runFieldMode(ctx context.Context, c *client, out io.Writer, args []string) error {
	if len(args) == 1 {
		if args[0] != "enable" {
			return errors.New(`field mode can only be enabled; use "field-mode enable"`)
		}
		return c.setFieldMode(ctx, true)
	}
	enabled, err := c.fieldMode(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, enabled)
	return nil
}

func optional(v *uint8) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(int(*v))
}

func flags(in updater.Info) string {
	var b []byte
	for _, f := range []struct {
		set  bool
		flag byte
	}{{in.Functional, 'F'}, {in.Active, 'A'}, {in.Updateable, 'U'}} {
		if f.set {
			b = append(b, f.flag)
		}
	}
	if len(b) == 0 {
		return "-"
	}
	return string(b)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
