package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"voice-sync/internal/config"
	"voice-sync/internal/domain"
	"voice-sync/internal/trust"
)

var (
	peerName        string
	peerFingerprint string
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Manage paired devices",
}

var peersAddCmd = &cobra.Command{
	Use:   "add <peer-id> <url>",
	Short: "Register a peer",
	Long: `Register a peer by device id and URL. Without --fingerprint the peer's
certificate is pinned on first contact.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := &domain.Peer{ID: strings.ToLower(args[0]), Name: peerName, URL: args[1]}
		if peerFingerprint != "" {
			if !trust.ValidFingerprint(peerFingerprint) {
				return errors.Newf("invalid fingerprint %q", peerFingerprint)
			}
			peer.CertificateFingerprint = &peerFingerprint
		}
		if err := validator.New().Struct(peer); err != nil {
			return errors.WithHint(err, "peer ids are 32 hex characters; see `voicesync identity` on the other device")
		}

		return withApp(func(ctx context.Context, a *app) error {
			if err := a.peers.AddPeer(ctx, peer); err != nil {
				return err
			}
			pterm.Success.Printf("Registered peer %s (%s)\n", peer.ID, peer.URL)
			return nil
		})
	},
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			peers, err := a.peers.ListPeers(ctx)
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				pterm.Info.Println("No peers registered. Add one with: voicesync peers add <peer-id> <url>")
				return nil
			}

			data := pterm.TableData{{"ID", "Name", "URL", "Fingerprint", "Last sync"}}
			for _, p := range peers {
				fp := pterm.Yellow("unpinned")
				if p.CertificateFingerprint != nil && *p.CertificateFingerprint != "" {
					fp = abbreviate(*p.CertificateFingerprint)
				}
				last := "never"
				if ts, err := a.store.GetPeerLastSync(ctx, p.ID); err == nil && ts != nil {
					last = ts.Local().Format(time.DateTime)
				}
				data = append(data, []string{p.ID, p.Name, p.URL, fp, last})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var peersRemoveCmd = &cobra.Command{
	Use:   "remove <peer-id>",
	Short: "Forget a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.peers.RemovePeer(ctx, strings.ToLower(args[0])); err != nil {
				return err
			}
			pterm.Success.Printf("Removed peer %s\n", args[0])
			return nil
		})
	},
}

var peersTrustCmd = &cobra.Command{
	Use:   "trust <peer-id> <fingerprint>",
	Short: "Pin a new certificate fingerprint after a verified rotation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.verifier.ExplicitlyTrust(ctx, strings.ToLower(args[0]), args[1]); err != nil {
				return err
			}
			pterm.Success.Printf("Pinned %s for peer %s\n", args[1], args[0])
			return nil
		})
	},
}

var peersImportCmd = &cobra.Command{
	Use:   "import <peers.yaml>",
	Short: "Register peers from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peers, err := config.LoadPeers(args[0])
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			for _, p := range peers {
				p.ID = strings.ToLower(p.ID)
				if err := a.peers.AddPeer(ctx, p); err != nil {
					return errors.Wrapf(err, "import peer %s", p.ID)
				}
			}
			pterm.Success.Printf("Imported %d peers\n", len(peers))
			return nil
		})
	},
}

var peersStatusCmd = &cobra.Command{
	Use:   "status <peer-id>",
	Short: "Check whether a peer is reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Sync.RequestTimeout)
			defer cancel()

			status, err := a.sessions(nil).PeerStatus(ctx, strings.ToLower(args[0]))
			if err != nil {
				pterm.Error.Printf("%s is unreachable (%s)\n", args[0], domain.Classify(err))
				return err
			}
			pterm.Success.Printf("%s (%s) is up, protocol %s, audio %v\n",
				status.DeviceName, status.DeviceID, status.ProtocolVersion, status.SupportsAudio)
			return nil
		})
	},
}

func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func abbreviate(fp string) string {
	if len(fp) <= 30 {
		return fp
	}
	return fmt.Sprintf("%s…%s", fp[:19], fp[len(fp)-8:])
}

func init() {
	peersAddCmd.Flags().StringVar(&peerName, "name", "", "Display name for the peer")
	peersAddCmd.Flags().StringVar(&peerFingerprint, "fingerprint", "", "Pin this certificate fingerprint now")

	peersCmd.AddCommand(peersAddCmd, peersListCmd, peersRemoveCmd, peersTrustCmd, peersImportCmd, peersStatusCmd)
	rootCmd.AddCommand(peersCmd)
}
