package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/faucetdb/keysmith/internal/model"
	"github.com/faucetdb/keysmith/internal/service"
	"github.com/faucetdb/keysmith/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long: `Create, check, list and revoke API keys directly against the key store,
without going through a running server. Output is a table on a terminal and
JSON otherwise; --json forces JSON.`,
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyCheckCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyListCmd())

	return cmd
}

// withKeyService opens the store, builds a quiet KeyService over it, and
// runs fn.
func withKeyService(ctx context.Context, fn func(*service.KeyService, *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	logger, err := cfg.Log.NewLogger(io.Discard, false)
	if err != nil {
		return err
	}
	keys := service.NewKeyService(st, service.KeyServiceConfig{
		MaxIssueAttempts: cfg.Keys.MaxIssueAttempts,
		Logger:           logger,
	})
	return fn(keys, st)
}

func wantJSON(cmd *cobra.Command, jsonOutput bool) bool {
	return jsonOutput || !isTerminal(cmd.OutOrStdout())
}

func ownerString(owner *string) string {
	if owner == nil || *owner == "" {
		return "-"
	}
	return *owner
}

func expiryString(expiresAt *time.Time) string {
	if expiresAt == nil {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", expiresAt.Format(time.RFC3339), humanize.Time(*expiresAt))
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		owner      string
		ttl        float64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Long:  "Generate and store a new key. The full key is shown once here; listings only show it masked.",
		Example: `  keysmith key create --owner alice@example.com --ttl 60
  keysmith key create`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.IssueRequest{}
			if cmd.Flags().Changed("owner") {
				req.Owner = &owner
			}
			if cmd.Flags().Changed("ttl") {
				req.TTLMinutes = &ttl
			}
			return withKeyService(cmd.Context(), func(keys *service.KeyService, _ *store.Store) error {
				key, err := keys.Issue(cmd.Context(), req)
				if err != nil {
					return fmt.Errorf("issue key: %w", err)
				}
				return printIssued(cmd, key, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner label stored with the key")
	cmd.Flags().Float64Var(&ttl, "ttl", 0, "Lifetime in minutes (0 or unset: never expires)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printIssued(cmd *cobra.Command, key *model.APIKey, jsonOutput bool) error {
	out := cmd.OutOrStdout()
	if wantJSON(cmd, jsonOutput) {
		return printJSON(out, map[string]interface{}{
			"message":    "API key generated & stored",
			"api_key":    key.Key,
			"owner":      key.Owner,
			"expires_at": key.ExpiresAt,
		})
	}

	fmt.Fprintln(out, "API key created:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key:     %s\n", key.Key)
	fmt.Fprintf(out, "  Owner:   %s\n", ownerString(key.Owner))
	fmt.Fprintf(out, "  Expires: %s\n", expiryString(key.ExpiresAt))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this key now - it is only shown masked from here on.")
	return nil
}

// ---------- key check ----------

func newKeyCheckCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "check <api-key>",
		Aliases: []string{"validate"},
		Short:   "Check whether a key is currently valid",
		Long:    "Run the same checks as the validation endpoint. Exits non-zero when the key is not valid.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(cmd.Context(), func(keys *service.KeyService, _ *store.Store) error {
				return printVerdict(cmd, keys.Validate(cmd.Context(), args[0]), jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printVerdict(cmd *cobra.Command, v service.Verdict, jsonOutput bool) error {
	if v.Result == service.ResultError {
		return fmt.Errorf("check failed: %w", v.Err)
	}

	out := cmd.OutOrStdout()
	if wantJSON(cmd, jsonOutput) {
		resp := map[string]interface{}{"valid": v.Valid()}
		if v.Valid() {
			resp["message"] = "API key is valid"
			resp["meta"] = v.Meta
		} else {
			resp["message"] = v.Reason.Message()
			resp["reason"] = v.Reason
		}
		if err := printJSON(out, resp); err != nil {
			return err
		}
	} else if v.Valid() {
		fmt.Fprintln(out, "API key is valid")
		fmt.Fprintf(out, "  ID:      %d\n", v.Meta.ID)
		fmt.Fprintf(out, "  Owner:   %s\n", ownerString(v.Meta.Owner))
		fmt.Fprintf(out, "  Created: %s\n", humanize.Time(v.Meta.CreatedAt))
		fmt.Fprintf(out, "  Expires: %s\n", expiryString(v.Meta.ExpiresAt))
	}

	if !v.Valid() {
		return errors.New(v.Reason.Message())
	}
	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <api-key>",
		Short: "Revoke an API key",
		Long:  "Permanently disable a key. Revoking an already revoked key succeeds.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(cmd.Context(), func(keys *service.KeyService, _ *store.Store) error {
				outcome, err := keys.Revoke(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("revoke key: %w", err)
				}
				switch outcome {
				case service.NotFound:
					return errors.New(service.ReasonNotFound.Message())
				case service.AlreadyRevoked:
					fmt.Fprintf(cmd.OutOrStdout(), "API key %s was already revoked\n", model.MaskKey(args[0]))
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "API key %s revoked\n", model.MaskKey(args[0]))
				}
				return nil
			})
		},
	}

	return cmd
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		limit      int
		offset     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored keys, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(cmd.Context(), func(_ *service.KeyService, st *store.Store) error {
				keys, err := st.List(cmd.Context(), limit, offset)
				if err != nil {
					return fmt.Errorf("list keys: %w", err)
				}
				return printKeyList(cmd, keys, jsonOutput)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of keys to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of keys to skip")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

type keyRow struct {
	ID        int64      `json:"id"`
	Key       string     `json:"api_key"`
	Owner     *string    `json:"owner"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	Revoked   bool       `json:"revoked"`
}

func printKeyList(cmd *cobra.Command, keys []model.APIKey, jsonOutput bool) error {
	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		rows[i] = keyRow{
			ID:        k.ID,
			Key:       model.MaskKey(k.Key),
			Owner:     k.Owner,
			CreatedAt: k.CreatedAt,
			ExpiresAt: k.ExpiresAt,
			Revoked:   k.Revoked,
		}
	}

	out := cmd.OutOrStdout()
	if wantJSON(cmd, jsonOutput) {
		return printJSON(out, rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No API keys stored. Use 'keysmith key create' to issue one.")
		return nil
	}

	fmt.Fprintf(out, "%-6s %-16s %-24s %-16s %-16s %-8s\n", "ID", "KEY", "OWNER", "CREATED", "EXPIRES", "REVOKED")
	for _, r := range rows {
		expires := "never"
		if r.ExpiresAt != nil {
			expires = humanize.Time(*r.ExpiresAt)
		}
		revoked := "no"
		if r.Revoked {
			revoked = "yes"
		}
		fmt.Fprintf(out, "%-6d %-16s %-24s %-16s %-16s %-8s\n",
			r.ID, r.Key, ownerString(r.Owner), humanize.Time(r.CreatedAt), expires, revoked)
	}
	return nil
}
