package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	fedmesh "github.com/absmach/fedmesh"
	"github.com/absmach/fedmesh/pkg/ledger"
	"github.com/absmach/fedmesh/pkg/objstore"
)

func opsLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func buildStore(ctx context.Context) (*objstore.Store, error) {
	cfg, err := fedmesh.LoadConfig()
	if err != nil {
		return nil, err
	}

	return objstore.New(ctx, cfg.ObjectStoreEndpoint, cfg.ObjectStoreBucket,
		cfg.ObjectStoreAccessKey, cfg.ObjectStoreSecretKey, opsLogger())
}

func buildLedger() (*ledger.Client, error) {
	cfg, err := fedmesh.LoadConfig()
	if err != nil {
		return nil, err
	}

	return ledger.New(cfg.OperatorID, cfg.OperatorKey, cfg.ContractID, cfg.TopicID, opsLogger())
}

func newDatasetCmd() *cobra.Command {
	var chunkBytes int

	cmd := &cobra.Command{
		Use:   "dataset upload <file>",
		Short: "Split a CSV dataset into chunks and upload them with a manifest",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if args[0] != "upload" {
				logErrorCmd(*cmd, fmt.Errorf("unknown dataset subcommand %q", args[0]))

				return
			}

			store, err := buildStore(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			manifestURL, chunks, err := store.UploadDatasetAsChunks(cmd.Context(), args[1], chunkBytes)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logOKCmd(*cmd, "uploaded %d chunks", chunks)
			logJSONCmd(*cmd, map[string]any{
				"manifest_url": manifestURL,
				"chunks":       chunks,
			})
		},
	}
	cmd.Flags().IntVar(&chunkBytes, "chunk-bytes", objstore.DefaultChunkBytes, "Target chunk size in bytes")

	return cmd
}

func newBucketCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bucket list",
		Short: "List the object-store bucket contents",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if args[0] != "list" {
				logErrorCmd(*cmd, fmt.Errorf("unknown bucket subcommand %q", args[0]))

				return
			}

			store, err := buildStore(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			objects, err := store.List(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			logOKCmd(*cmd, "%d objects", len(objects))
			logJSONCmd(*cmd, objects)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarise the contract's tasks",
		Run: func(cmd *cobra.Command, _ []string) {
			lc, err := buildLedger()
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			defer lc.Close()

			total, err := lc.GetTaskID(cmd.Context())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			type taskLine struct {
				TaskID    uint64 `json:"task_id"`
				Active    bool   `json:"active"`
				Total     uint64 `json:"total_chunks,omitempty"`
				Remaining uint64 `json:"remaining_chunks,omitempty"`
			}

			var lines []taskLine
			for id := uint64(1); id <= total; id++ {
				exists, err := lc.TaskExists(cmd.Context(), id)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				line := taskLine{TaskID: id, Active: exists}
				if exists {
					if t, err := lc.GetTask(cmd.Context(), id); err == nil {
						line.Total = t.TotalChunks
						line.Remaining = t.RemainingChunks
					}
				}
				lines = append(lines, line)
			}

			logOKCmd(*cmd, "%d tasks on contract", total)
			logJSONCmd(*cmd, lines)
		},
	}
}

func newWhitelistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whitelist <add|remove|check> <evm-address>",
		Short: "Manage the contract's trainer whitelist",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			lc, err := buildLedger()
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			defer lc.Close()

			addr := args[1]
			switch args[0] {
			case "add":
				if err := lc.AddToWhitelist(cmd.Context(), addr); err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				logOKCmd(*cmd, "whitelisted %s", addr)
			case "remove":
				if err := lc.RemoveFromWhitelist(cmd.Context(), addr); err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				logOKCmd(*cmd, "removed %s", addr)
			case "check":
				listed, err := lc.IsWhitelisted(cmd.Context(), addr)
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				logJSONCmd(*cmd, map[string]any{
					"address":     addr,
					"whitelisted": strconv.FormatBool(listed),
				})
			default:
				logErrorCmd(*cmd, fmt.Errorf("unknown whitelist subcommand %q", args[0]))
			}
		},
	}
}
