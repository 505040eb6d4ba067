package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/starkcore/starkcore/internal/config"
	"github.com/starkcore/starkcore/internal/skills"
	"github.com/starkcore/starkcore/internal/tools"
)

// newSkillCmd creates the `starkcore skill` command, grounded on the
// teacher's cmd/copilot/commands/skill.go tree. There is no remote skill
// registry anywhere in the module map, so `search`/`update` (which the
// teacher itself only stubs with a TODO) are dropped rather than ported
// as further stubs; `list` and `install` are fully implemented against
// the real internal/skills.Loader and InstallManaged.
func newSkillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Inspect and install skills",
		Long: `Lists the skills currently resolvable from the bundled,
managed, and workspace source roots, or installs a packaged skill
archive into the managed root.

Examples:
  starkcore skill list
  starkcore skill install ./calendar-skill.zip`,
	}
	cmd.AddCommand(newSkillListCmd(), newSkillInstallCmd())
	return cmd
}

func newSkillListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resolvable skills",
		RunE:  runSkillList,
	}
}

func runSkillList(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	resolveTool := func(name string) bool {
		t, ok := registry.Get(name)
		return ok && t.Enabled
	}

	loader := skills.NewLoader(cfg.Skills.BundledDir, cfg.Skills.ManagedDir, cfg.Skills.WorkspaceDir, resolveTool, logger)
	defer loader.Close()
	if err := loader.Reload(cmd.Context()); err != nil {
		return fmt.Errorf("starkcore: loading skills: %w", err)
	}

	found := loader.Snapshot()
	if len(found) == 0 {
		fmt.Println("No skills found.")
		return nil
	}
	for _, s := range found {
		status := "ok"
		if !s.Resolvable {
			status = "unresolvable"
		}
		if s.Shadowed {
			status += ", shadowed"
		}
		fmt.Printf("%-24s %-8s [%s] %s (%s)\n", s.Name, s.Version, s.Source, s.Description, status)
	}
	for _, w := range loader.Warnings() {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return nil
}

func newSkillInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <archive.zip>",
		Short: "Install a packaged skill into the managed root",
		Args:  cobra.ExactArgs(1),
		RunE:  runSkillInstall,
	}
}

func runSkillInstall(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("starkcore: loading config from %s: %w", path, err)
	}

	archive, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("starkcore: reading %s: %w", args[0], err)
	}
	if err := skills.InstallManaged(cfg.Skills.ManagedDir, archive); err != nil {
		return fmt.Errorf("starkcore: installing skill: %w", err)
	}
	fmt.Printf("Installed %s into %s\n", args[0], cfg.Skills.ManagedDir)
	return nil
}
