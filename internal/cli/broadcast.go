package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/cyclecast/pkg/model"
)

const broadcastPath = "/api/v1/broadcast"

func newPutCmd() *cobra.Command {
	var (
		namespaces []string
		cycles     []string
		sets       []string
		unsets     []string
		files      []string
	)
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Broadcast runtime settings to namespaces",
		Long: "Broadcast runtime settings to namespaces at cycle points. Without --cycle the\n" +
			"settings apply to all cycle points; without --namespace they apply to root.\n\n" +
			"  cyclecast put -n FAM -t 2020010100 --set '[environment]FOO=bar'\n" +
			"  cyclecast put --unset '[environment]FOO'",
		RunE: func(cmd *cobra.Command, args []string) error {
			var settings []model.Settings
			for _, f := range files {
				item, err := loadSettingsFile(f)
				if err != nil {
					return err
				}
				settings = append(settings, item)
			}
			for _, s := range sets {
				item, err := parseSetting(s)
				if err != nil {
					return err
				}
				settings = append(settings, item)
			}
			for _, s := range unsets {
				item, err := parseUnset(s)
				if err != nil {
					return err
				}
				settings = append(settings, item)
			}
			if len(settings) == 0 {
				return errors.New("nothing to broadcast: use --set, --unset or --set-file")
			}
			if len(namespaces) == 0 {
				namespaces = []string{model.RootNamespace}
			}
			if len(cycles) == 0 {
				cycles = []string{model.ScopeAll}
			}

			resp, err := client.Post(broadcastPath, model.PutRequest{
				Namespaces: namespaces,
				Cycles:     cycles,
				Settings:   settings,
			})
			if err != nil {
				return fmt.Errorf("broadcast: %w", err)
			}
			var res model.PutResult
			if err := json.Unmarshal(resp.Data, &res); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Broadcast %s: %d item(s) to %v at %v\n", res.Message, len(settings), namespaces, cycles)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&namespaces, "namespace", "n", nil, "Target namespace (repeatable; default root)")
	cmd.Flags().StringSliceVarP(&cycles, "cycle", "t", nil, "Target cycle point (repeatable; default all)")
	cmd.Flags().StringArrayVarP(&sets, "set", "s", nil, "Setting as [section]key=value (repeatable)")
	cmd.Flags().StringArrayVar(&unsets, "unset", nil, "Remove a setting given as [section]key (repeatable)")
	cmd.Flags().StringArrayVarP(&files, "set-file", "F", nil, "YAML file of settings (repeatable)")
	return cmd
}

func newGetCmd() *cobra.Command {
	var task string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show broadcast settings",
		Long:  "Show the settings that apply to --task <namespace>.<cycle>, or every broadcast without it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := broadcastPath
			if task != "" {
				path += "?task=" + url.QueryEscape(task)
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("get broadcast: %w", err)
			}
			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if len(data) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No broadcast settings.")
				return nil
			}
			out, err := yaml.Marshal(data)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "Task ID <namespace>.<cycle>")
	return cmd
}

func newExpireCmd() *cobra.Command {
	var cutoff string
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire settings of cycle points before a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cutoff == "" {
				return errors.New("--cutoff is required (use clear to remove everything)")
			}
			if _, err := client.Post(broadcastPath+"/expire", model.ExpireRequest{Cutoff: cutoff}); err != nil {
				return fmt.Errorf("expire broadcast: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired broadcast settings before %s\n", cutoff)
			return nil
		},
	}
	cmd.Flags().StringVar(&cutoff, "cutoff", "", "Cycle point; earlier cycle points are expired")
	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all broadcast settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Delete(broadcastPath); err != nil {
				return fmt.Errorf("clear broadcast: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared all broadcast settings")
			return nil
		},
	}
}

func newDumpCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write the broadcast state-dump entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client.GetRaw(broadcastPath + "/dump")
			if err != nil {
				return fmt.Errorf("dump broadcast: %w", err)
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <file|->",
		Short: "Replace broadcast settings from a state-dump entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read dump: %w", err)
			}
			if _, err := client.PostRaw(broadcastPath+"/load", data); err != nil {
				return fmt.Errorf("load broadcast: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Loaded broadcast settings")
			return nil
		},
	}
}

type journalEntry struct {
	Timestamp string `json:"timestamp"`
	Snapshot  string `json:"snapshot"`
	Pending   bool   `json:"pending"`
}

func printEntries(w io.Writer, entries []journalEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No change records.")
		return
	}
	for _, e := range entries {
		mark := " "
		if e.Pending {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s %s\n", mark, e.Timestamp, e.Snapshot)
	}
}

func newJournalCmd() *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List broadcast change records (* marks pending)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp *apiResponse
			var err error
			if drain {
				resp, err = client.Post(broadcastPath+"/journal/drain", nil)
			} else {
				resp, err = client.Get(broadcastPath + "/journal")
			}
			if err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			var entries []journalEntry
			if err := json.Unmarshal(resp.Data, &entries); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "Consume pending records")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List change records persisted for the current run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			resp, err := client.Get(broadcastPath + "/history?" + q.Encode())
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			var entries []journalEntry
			if err := json.Unmarshal(resp.Data, &entries); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			printEntries(cmd.OutOrStdout(), entries)
			if pg := resp.Pagination; pg != nil && pg.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d; use --offset %d for more)\n", len(entries), pg.Total, pg.Offset+pg.Limit)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Records per page")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	return cmd
}

