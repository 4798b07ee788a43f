package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/warden/pkg/app"
	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/boot"
	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/enforcement"
	"github.com/haasonsaas/warden/pkg/ids"
	"github.com/haasonsaas/warden/pkg/logging"
	"github.com/haasonsaas/warden/pkg/pairing"
	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/spf13/cobra"
)

var (
	configPath string
	deviceURL  string
	keyPath    string
	Version    = "dev"
)

type deviceStatus struct {
	DeviceID string             `json:"device_id"`
	Version  string             `json:"version"`
	Machine  app.Snapshot       `json:"machine"`
	Lockdown enforcement.Status `json:"lockdown"`
	Pairing  pairing.Stats      `json:"pairing"`
	Binding  *pairing.Binding   `json:"binding,omitempty"`
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wardenctl",
		Short:         "Warden - operator tool for secured devices",
		Long:          "Inspect a Warden device and issue signed administrative commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (defaults apply when empty)")
	root.PersistentFlags().StringVarP(&deviceURL, "device", "d", "", "Device admin URL (overrides config)")
	root.PersistentFlags().StringVarP(&keyPath, "key", "k", "", "Operator key file (overrides config)")

	root.AddCommand(
		statusCmd(),
		idsCmd(),
		bootCmd(),
		keygenCmd(),
		adminCmd("reset-boot", "Reset the boot failure counter", http.MethodPost, "/v1/admin/boot/reset"),
		adminCmd("clear-lockdown", "Clear an active lockdown", http.MethodPost, "/v1/admin/lockdown/clear"),
		adminCmd("reclaim", "Drop the current owner and start a new claim", http.MethodPost, "/v1/admin/reclaim"),
		adminCmd("rotate-keys", "Rotate the device storage encryption keys", http.MethodPost, "/v1/admin/keys/rotate"),
		provisionSecretCmd(),
		claimCmd(),
		versionCmd(),
	)
	return root
}

func loadConfig() (*config.DeviceConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if deviceURL != "" {
		cfg.Admin.DeviceURL = deviceURL
	}
	if keyPath != "" {
		cfg.Admin.OperatorKeyPath = keyPath
	}
	logging.Setup(cfg.Logging)
	return cfg, nil
}

// readClient talks to the unauthenticated endpoints.
func readClient() (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newClient(cfg.Admin, nil), nil
}

func adminClient() (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	identity, err := auth.LoadIdentity(cfg.Admin.OperatorKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load operator key %s: %w", cfg.Admin.OperatorKeyPath, err)
	}
	return newClient(cfg.Admin, identity), nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device state, lockdown and ownership",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readClient()
			if err != nil {
				return err
			}
			var st deviceStatus
			if err := c.get(cmd.Context(), "/v1/status", &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(out io.Writer, st deviceStatus) {
	fmt.Fprintf(out, "Device %s (%s)\n", st.DeviceID, st.Version)
	fmt.Fprintf(out, "========================================\n\n")
	fmt.Fprintf(out, "State:        %s since %s\n", st.Machine.State, st.Machine.Since.Format(time.RFC3339))
	if st.Machine.LastError != "" {
		fmt.Fprintf(out, "Last error:   %s\n", st.Machine.LastError)
	}
	if st.Lockdown.Locked {
		fmt.Fprintf(out, "Lockdown:     ENGAGED %s (%s)\n", st.Lockdown.Since.Format(time.RFC3339), st.Lockdown.Reason)
	} else {
		fmt.Fprintf(out, "Lockdown:     clear\n")
	}
	if st.Binding != nil {
		fmt.Fprintf(out, "Owner:        %s (claimed %s)\n", st.Binding.ChildID, st.Binding.ClaimedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(out, "Owner:        unclaimed\n")
	}
	fmt.Fprintf(out, "Claims:       %d accepted, %d rejected, %d consecutive failures\n",
		st.Pairing.Accepted, st.Pairing.Rejected, st.Pairing.ConsecutiveFailures)
}

func idsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ids",
		Short: "Show intrusion detection statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readClient()
			if err != nil {
				return err
			}
			var st ids.Statistics
			if err := c.get(cmd.Context(), "/v1/ids/stats", &st); err != nil {
				return err
			}
			printIDS(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printIDS(out io.Writer, st ids.Statistics) {
	fmt.Fprintf(out, "IDS %s: %d events, %d escalations over %d ticks\n", st.State, st.TotalEvents, st.Escalations, st.Ticks)
	if st.Locked {
		fmt.Fprintf(out, "Locked since %s: %s\n", st.LockedAt.Format(time.RFC3339), st.LockReason)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nCATEGORY\tCOUNT")
	for _, cat := range policy.Categories {
		fmt.Fprintf(w, "%s\t%d\n", cat, st.Counters[cat])
	}
	if len(st.Recent) > 0 {
		fmt.Fprintln(w, "\nTIME\tCATEGORY\tSEVERITY\tDESCRIPTION")
		for _, ev := range st.Recent {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Category, ev.Severity, ev.Description)
		}
	}
	w.Flush()
}

func bootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Show secure boot validation statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readClient()
			if err != nil {
				return err
			}
			var st boot.Stats
			if err := c.get(cmd.Context(), "/v1/boot/stats", &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Validated:    %v\n", st.Validated)
			fmt.Fprintf(out, "Failures:     %d/%d (exhausted: %v)\n", st.FailureCount, st.MaxFailures, st.Exhausted)
			if st.FailedCheck != "" {
				fmt.Fprintf(out, "Failed check: %s (%s)\n", st.FailedCheck, st.Error)
			}
			fmt.Fprintf(out, "Secure boot:  %v  Flash encryption: %v  TPM: %v\n", st.Flags.SecureBoot, st.Flags.FlashEncryption, st.Flags.TPMPresent)
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	var operator string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an operator signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Admin.OperatorKeyPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, pass --force to replace it", path)
			}
			identity, err := auth.GenerateIdentity(operator)
			if err != nil {
				return err
			}
			if err := replaceIdentity(path, identity); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\nAdd to the device config:\n\nadmin:\n  operator_key: %s\n", path, identity.PublicKeyB64())
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "Operator name sent with each request")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing key")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

// replaceIdentity keeps the previous key as a backup until the new one is
// written.
func replaceIdentity(path string, identity *auth.Identity) error {
	backup := path + ".bak"
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backup); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := identity.Save(path); err != nil {
		if _, restoreErr := os.Stat(backup); restoreErr == nil {
			_ = os.Rename(backup, path)
		}
		return err
	}

	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func adminCmd(use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.admin(cmd.Context(), method, path, nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", use)
			return nil
		},
	}
}

func provisionSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision-secret [hex-or-base64]",
		Short: "Install the out-of-band claim secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient()
			if err != nil {
				return err
			}
			if err := c.admin(cmd.Context(), http.MethodPut, "/v1/admin/pairing/secret", map[string]string{"secret": args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Claim secret provisioned")
			return nil
		},
	}
}

func claimCmd() *cobra.Command {
	var secret, child string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Answer a claim challenge as the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readClient()
			if err != nil {
				return err
			}
			key, err := config.DecodeKey(secret)
			if err != nil {
				return fmt.Errorf("--secret: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			binding, err := runClaim(ctx, c, key, child, time.Second)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s claimed by %s\n", binding.DeviceID, binding.ChildID)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Out-of-band claim secret (hex or base64)")
	cmd.Flags().StringVar(&child, "child", "", "Controller identity to bind the device to")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "How long to wait for a challenge and the verdict")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("child")
	return cmd
}

// runClaim waits for a published challenge, answers it and polls until the
// device records the binding.
func runClaim(ctx context.Context, c *client, secret []byte, child string, poll time.Duration) (pairing.Binding, error) {
	var challenge pairing.Challenge
	for {
		err := c.get(ctx, "/v1/claim/challenge", &challenge)
		if err == nil {
			break
		}
		if statusOf(err) != http.StatusNotFound {
			return pairing.Binding{}, err
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return pairing.Binding{}, errors.New("no claim challenge published")
		}
	}

	var before deviceStatus
	if err := c.get(ctx, "/v1/status", &before); err != nil {
		return pairing.Binding{}, err
	}

	sig := pairing.ComputeClaimHMAC(secret, challenge.DeviceID, child, challenge.Nonce)
	resp := pairing.Response{ChildID: child, Nonce: challenge.Nonce, Signature: sig[:]}
	if err := c.post(ctx, "/v1/claim/response", resp, nil); err != nil {
		return pairing.Binding{}, err
	}

	for {
		var st deviceStatus
		if err := c.get(ctx, "/v1/status", &st); err != nil {
			return pairing.Binding{}, err
		}
		if st.Binding != nil && st.Binding.ChildID == child {
			return *st.Binding, nil
		}
		if st.Pairing.Rejected > before.Pairing.Rejected {
			return pairing.Binding{}, errors.New("claim rejected by device")
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return pairing.Binding{}, errors.New("timed out waiting for claim verdict")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wardenctl version %s\n", Version)
		},
	}
}
