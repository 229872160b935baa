package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/health"
)

// Exit codes of the check command.
const (
	exitDegraded    = 1
	exitCritical    = 2
	exitUnreachable = 3
)

func newCheckCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
		watch   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Query a running daemon's health",
		Long: `Query GET /health on a running daemon and print the classification.

Exit status is 0 when healthy, 1 when degraded, 2 when critical and 3 when
the daemon is unreachable. With --watch the check repeats until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := loadConfig(v)
				if err != nil {
					return err
				}
				url = healthURL(cfg.HTTP.Addr)
			}
			client := &http.Client{Timeout: timeout}
			out := cmd.OutOrStdout()

			if watch <= 0 {
				snap, err := fetchHealth(cmd.Context(), client, url)
				if err != nil {
					return &exitError{code: exitUnreachable, err: err}
				}
				printSnapshot(out, snap)
				return statusError(snap.Status)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ticker := time.NewTicker(watch)
			defer ticker.Stop()
			for {
				if snap, err := fetchHealth(ctx, client, url); err != nil {
					fmt.Fprintf(out, "unreachable: %v\n", err)
				} else {
					printSnapshot(out, snap)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					fmt.Fprintln(out)
				}
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "health endpoint (default: derived from http.addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().DurationVar(&watch, "watch", 0, "repeat the check at this interval")
	return cmd
}

// healthURL builds the local health endpoint for a listen address.
func healthURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/health"
}

// fetchHealth reads a snapshot. A 503 still carries a critical snapshot.
func fetchHealth(ctx context.Context, client *http.Client, url string) (health.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return health.Snapshot{}, bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return health.Snapshot{}, bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "get "+url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return health.Snapshot{}, bkerrors.Newf(bkerrors.ErrCodeUnavailable, "get %s: %s", url, resp.Status)
	}
	var snap health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return health.Snapshot{}, bkerrors.Wrap(err, "decode health snapshot")
	}
	return snap, nil
}

func statusError(s health.Status) error {
	switch s {
	case health.StatusHealthy:
		return nil
	case health.StatusDegraded:
		return &exitError{code: exitDegraded, err: fmt.Errorf("daemon is degraded")}
	default:
		return &exitError{code: exitCritical, err: fmt.Errorf("daemon is %s", s)}
	}
}

func printSnapshot(w io.Writer, s health.Snapshot) {
	fmt.Fprintf(w, "status:     %s (%s)\n", s.Status, s.TakenAt.Format(time.RFC3339))
	for _, r := range s.Reasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	fmt.Fprintf(w, "tasks:      %d pending, %d running, %d completed, %d failed (%d recent failures)\n",
		s.Tasks.Pending, s.Tasks.Running, s.Tasks.Completed, s.Tasks.Failed, s.FailedTasks)
	for _, st := range s.Stalled {
		fmt.Fprintf(w, "stalled:    %s key=%s heartbeat %s ago\n", st.TaskID, st.Key, st.HeartbeatAge)
	}

	keys := make([]string, 0, len(s.BlockingCallsByKey))
	for k := range s.BlockingCallsByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "throttled:  %s x%d\n", k, s.BlockingCallsByKey[k])
	}

	mem := "unknown"
	if s.Resources.MemoryRSS.Known {
		mem = fmt.Sprintf("%.1fMB", float64(s.Resources.MemoryRSS.Value)/(1<<20))
	}
	fmt.Fprintf(w, "resources:  memory %s, open files %s, goroutines %s\n",
		mem, s.Resources.OpenFiles, s.Resources.Goroutines)

	names := make([]string, 0, len(s.Calls))
	for n := range s.Calls {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := s.Calls[n]
		fmt.Fprintf(w, "calls:      %s %d total, %d failed, %d slow, mean %s, max %s\n",
			n, c.Calls, c.Failures, c.Slow, c.Mean, c.Max)
	}
}
