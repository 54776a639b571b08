package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"voice-sync/internal/domain"
	"voice-sync/internal/service"
)

var (
	conflictsKind   string
	conflictsAll    bool
	resolveText     string
	resolveTextFile string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var kind domain.ConflictKind
		if conflictsKind != "" {
			k, ok := domain.ParseConflictKind(conflictsKind)
			if !ok {
				return errors.Newf("unknown conflict kind %q (content, delete, rename)", conflictsKind)
			}
			kind = k
		}

		return withConflicts(func(ctx context.Context, svc *service.ConflictService) error {
			counts, err := svc.Counts(ctx)
			if err != nil {
				return err
			}
			conflicts, err := svc.List(ctx, kind, conflictsAll)
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				pterm.Success.Println("No conflicts")
				return nil
			}

			data := pterm.TableData{{"ID", "Kind", "Entity", "Created", "Summary"}}
			for _, c := range conflicts {
				id := c.ConflictID()
				if c.Resolved() != nil {
					id += " (resolved)"
				}
				data = append(data, []string{id, string(c.Kind()), shortID(c.EntityID()), c.Created().Local().Format(time.DateTime), summarize(c)})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			pterm.Info.Printf("open: %d content, %d delete, %d rename\n", counts.Content, counts.Delete, counts.Rename)
			return nil
		})
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id-prefix>",
	Short: "Show both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConflicts(func(ctx context.Context, svc *service.ConflictService) error {
			c, err := svc.Find(ctx, args[0])
			if err != nil {
				return err
			}

			pterm.DefaultSection.Printf("%s conflict %s", c.Kind(), c.ConflictID())
			switch c := c.(type) {
			case *domain.ContentConflict:
				fmt.Printf("note %s\n", c.NoteID)
				fmt.Printf("local:  %s by %s\n", c.LocalModifiedAt.Local().Format(time.DateTime), deviceLabel(c.LocalDeviceName, c.LocalDeviceID))
				fmt.Printf("remote: %s by %s\n\n", c.RemoteModifiedAt.Local().Format(time.DateTime), deviceLabel(c.RemoteDeviceName, c.RemoteDeviceID))
				fmt.Println(service.PreviewContent(c))
			case *domain.DeleteConflict:
				fmt.Printf("note %s\n", c.NoteID)
				fmt.Printf("edited %s by %s\n", c.SurvivingModifiedAt.Local().Format(time.DateTime), deviceLabel(c.SurvivingDeviceName, c.SurvivingDeviceID))
				fmt.Printf("deleted %s by %s\n\n", c.DeletedAt.Local().Format(time.DateTime), deviceLabel(c.DeletingDeviceName, c.DeletingDeviceID))
				fmt.Println(c.SurvivingContent)
			case *domain.RenameConflict:
				fmt.Printf("tag %s\n", c.TagID)
				fmt.Printf("local:  %q by %s\n", c.LocalName, deviceLabel(c.LocalDeviceName, c.LocalDeviceID))
				fmt.Printf("remote: %q by %s\n", c.RemoteName, deviceLabel(c.RemoteDeviceName, c.RemoteDeviceID))
			}

			choices := make([]string, 0, len(c.AllowedChoices()))
			for _, ch := range c.AllowedChoices() {
				choices = append(choices, string(ch))
			}
			pterm.Info.Printf("resolve with: voicesync conflicts resolve %s <%s>\n", c.ConflictID(), strings.Join(choices, "|"))
			return nil
		})
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id-prefix> <keep_local|keep_remote|merge|keep_both>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict by id or unique id prefix. A merge without --text or
--file auto-merges and fails when both sides changed the same lines.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		choice := domain.ResolutionChoice(args[1])

		var merged *string
		switch {
		case resolveText != "" && resolveTextFile != "":
			return errors.New("--text and --file are mutually exclusive")
		case resolveText != "":
			merged = &resolveText
		case resolveTextFile != "":
			data, err := os.ReadFile(resolveTextFile)
			if err != nil {
				return errors.Wrap(err, "read merged text")
			}
			text := string(data)
			merged = &text
		}
		if merged != nil && choice != domain.ChoiceMerge {
			return errors.New("--text and --file only apply to merge")
		}

		return withConflicts(func(ctx context.Context, svc *service.ConflictService) error {
			res, err := svc.Resolve(ctx, args[0], choice, merged)
			if errors.Is(err, domain.ErrCannotAutoMerge) {
				return errors.WithHint(err, "both sides changed the same lines; pass the merged text with --text or --file")
			}
			if err != nil {
				return err
			}
			pterm.Success.Printf("Resolved %s conflict %s with %s\n", res.Kind, res.ConflictID, res.Choice)
			return nil
		})
	},
}

func withConflicts(fn func(ctx context.Context, svc *service.ConflictService) error) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.conflicts())
}

func summarize(c domain.Conflict) string {
	switch c := c.(type) {
	case *domain.ContentConflict:
		return fmt.Sprintf("edited on %s and %s", deviceLabel(c.LocalDeviceName, c.LocalDeviceID), deviceLabel(c.RemoteDeviceName, c.RemoteDeviceID))
	case *domain.DeleteConflict:
		return fmt.Sprintf("deleted on %s, edited on %s", deviceLabel(c.DeletingDeviceName, c.DeletingDeviceID), deviceLabel(c.SurvivingDeviceName, c.SurvivingDeviceID))
	case *domain.RenameConflict:
		return fmt.Sprintf("%q vs %q", c.LocalName, c.RemoteName)
	}
	return ""
}

func deviceLabel(name, id string) string {
	if name != "" {
		return name
	}
	return shortID(id)
}

func init() {
	conflictsListCmd.Flags().StringVar(&conflictsKind, "kind", "", "Only list one kind: content, delete or rename")
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false, "Include resolved conflicts")
	conflictsResolveCmd.Flags().StringVar(&resolveText, "text", "", "Merged note text")
	conflictsResolveCmd.Flags().StringVar(&resolveTextFile, "file", "", "Read merged note text from a file")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
