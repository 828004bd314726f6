package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/captionstream/internal/eventlog"
	"github.com/lukasbauer/captionstream/internal/session"
)

type sessionList struct {
	Sessions []session.Info `json:"sessions"`
	Active   int            `json:"active"`
	Draining bool           `json:"draining"`
}

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list sessionList
			if err := ctx.getJSON(cmd.Context(), "/v1/sessions", &list); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeIndentedJSON(cmd, list)
			}
			if len(list.Sessions) == 0 {
				fmt.Fprintln(out, "No live sessions")
			} else {
				fmt.Fprintln(out, renderSessions(list.Sessions, time.Now()))
			}
			if list.Draining {
				fmt.Fprintln(out, "Server is draining")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")

	cmd.AddCommand(newSessionEventsCommand(ctx))
	return cmd
}

func newSessionEventsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Show recent audit events of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/sessions/" + url.PathEscape(args[0]) + "/events?limit=" + strconv.Itoa(limit)
			var resp struct {
				Events []eventlog.Event `json:"events"`
			}
			if err := ctx.getJSON(cmd.Context(), path, &resp); err != nil {
				return err
			}
			if len(resp.Events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events recorded")
				return nil
			}
			rows := make([][]string, 0, len(resp.Events))
			for _, ev := range resp.Events {
				data, _ := json.Marshal(ev.Data)
				rows = append(rows, []string{ev.CreatedAt.Format(time.RFC3339), string(ev.Type), string(data)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Time", "Event", "Data"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	return cmd
}

func renderSessions(sessions []session.Info, now time.Time) string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID,
			s.State,
			s.RemoteAddr,
			strconv.FormatUint(s.LastSequence, 10),
			strconv.FormatUint(s.AckFloor, 10),
			fmt.Sprintf("%d/%d", s.InFlight, s.MaxInFlight),
			strconv.FormatInt(s.PartialsDropped, 10),
			now.Sub(s.CreatedAt).Truncate(time.Second).String(),
		})
	}
	return renderTable(
		[]string{"Session", "State", "Remote", "Last Seq", "Acked", "In Flight", "Dropped", "Age"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func (c *commandContext) getJSON(ctx context.Context, path string, out any) error {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s: %s (status %d)", path, body.Error, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeIndentedJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
