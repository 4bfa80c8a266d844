package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func stateCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Fetch the live table state from a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return adminRequest(cmd.OutOrStdout(), http.MethodGet, baseURL, "/admin/v1/state", 5*time.Second)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "server base url")
	return cmd
}

func snapshotCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Ask a running server to write a snapshot now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return adminRequest(cmd.OutOrStdout(), http.MethodPost, baseURL, "/admin/v1/snapshot", 10*time.Second)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "server base url")
	return cmd
}

func adminRequest(w io.Writer, method, baseURL, path string, timeout time.Duration) error {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(w, string(b))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
