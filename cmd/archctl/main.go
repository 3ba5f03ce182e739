// Command archctl inspects and commands a running framework through its
// architecture HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr    string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "archctl",
		Short:         "Inspect a running compkit framework",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8472", "base URL of the architecture API")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		instancesCmd(),
		retryCmd(),
		killCmd(),
		factoriesCmd(),
		servicesCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "archctl:", err)
		os.Exit(1)
	}
}

func instancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances [name]",
		Short: "List instances, or show one instance in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/instances"
			if len(args) == 1 {
				path += "/" + args[0]
			}
			return get(cmd.OutOrStdout(), path)
		},
	}
}

func retryCmd() *cobra.Command {
	var props string
	cmd := &cobra.Command{
		Use:   "retry <name>",
		Short: "Retry validation of an erroneous instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body io.Reader
			if props != "" {
				body = bytes.NewReader([]byte(props))
			}
			return request(cmd.OutOrStdout(), http.MethodPost, "/instances/"+args[0]+"/retry", body)
		},
	}
	cmd.Flags().StringVar(&props, "properties", "", "JSON object of property overrides to apply before the retry")
	return cmd
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <name>",
		Short: "Destroy an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return request(cmd.OutOrStdout(), http.MethodDelete, "/instances/"+args[0], nil)
		},
	}
}

func factoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "factories [name]",
		Short: "List factories, or show one factory's contract",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/factories"
			if len(args) == 1 {
				path += "/" + args[0]
			}
			return get(cmd.OutOrStdout(), path)
		},
	}
}

func servicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the services in the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return get(cmd.OutOrStdout(), "/services")
		},
	}
}

func get(out io.Writer, path string) error {
	return request(out, http.MethodGet, path, nil)
}

func request(out io.Writer, method, path string, body io.Reader) error {
	req, err := http.NewRequest(method, addr+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if len(payload) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		_, werr := out.Write(payload)
		return werr
	}
	fmt.Fprintln(out, pretty.String())
	return nil
}
