package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hookrelay/internal/config"
	"hookrelay/internal/install"
	"hookrelay/internal/security"
	"hookrelay/pkg/fileutil"
	"hookrelay/pkg/templates"
)

var (
	initOutput      string
	initPath        string
	initBranch      string
	initForce       bool
	initSystemdUnit string
	initHookBaseURL string
	initGitHubToken string
)

var initCmd = &cobra.Command{
	Use:   "init OWNER/NAME",
	Short: "Write a starter configuration for a repository",
	Long: `Write a starter hookrelay.yaml with a freshly generated webhook secret.

Optionally:
- write a systemd unit for "hookrelay serve" (--systemd-unit)
- register the push webhook on GitHub (--webhook-url with GITHUB_TOKEN)

Example:
  hookrelay init acme/website --path /srv/website --branch main \
    --webhook-url https://deploy.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", config.DefaultFileName, "Where to write the configuration file")
	initCmd.Flags().StringVar(&initPath, "path", "", "Absolute path of the repository checkout (required)")
	initCmd.Flags().StringVar(&initBranch, "branch", "", "Only deploy pushes to this branch")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing configuration file")
	initCmd.Flags().StringVar(&initSystemdUnit, "systemd-unit", "", "Also write a systemd unit to this path")
	initCmd.Flags().StringVar(&initHookBaseURL, "webhook-url", "", "Public URL of the server; registers the GitHub webhook")
	initCmd.Flags().StringVar(&initGitHubToken, "github-token", os.Getenv("GITHUB_TOKEN"), "GitHub token used to register the webhook")
	initCmd.MarkFlagRequired("path")
}

func runInit(cmd *cobra.Command, args []string) error {
	repoName := args[0]
	if err := security.ValidateRepoName(repoName); err != nil {
		return err
	}
	if initBranch != "" {
		if err := security.ValidateBranchName(initBranch); err != nil {
			return err
		}
	}
	path, err := security.SanitizePath(initPath)
	if err != nil {
		return err
	}
	if !fileutil.DirExists(path) {
		return fmt.Errorf("repository path does not exist or is not a directory: %s", path)
	}
	if fileutil.FileExists(initOutput) && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", initOutput)
	}

	secret, err := security.GenerateSecret()
	if err != nil {
		return err
	}

	rendered, err := templates.RenderConfig(templates.ConfigData{
		Repo:           repoName,
		Path:           path,
		Secret:         secret,
		Branch:         initBranch,
		Descriptor:     config.DefaultDescriptor,
		ComposeCommand: config.DefaultComposeCommand,
		Timeout:        config.DefaultDeployTimeout,
	})
	if err != nil {
		return err
	}
	if _, _, err := config.Parse([]byte(rendered)); err != nil {
		return fmt.Errorf("generated configuration does not validate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(initOutput), security.PermDirectory); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(initOutput, []byte(rendered), security.PermConfigFile); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(initOutput, security.PermConfigFile); err != nil {
		return fmt.Errorf("failed to set configuration permissions: %w", err)
	}
	fmt.Printf("✓ Wrote %s\n", initOutput)

	if initSystemdUnit != "" {
		if err := writeSystemdUnit(initSystemdUnit, initOutput); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote %s (enable with: systemctl enable --now %s)\n", initSystemdUnit, filepath.Base(initSystemdUnit))
	}

	if initHookBaseURL == "" {
		fmt.Println()
		fmt.Println("Add a webhook in the GitHub repository settings:")
		fmt.Println("  Payload URL:  https://<your-host>" + install.WebhookPath)
		fmt.Println("  Content type: application/json")
		fmt.Println("  Secret:       " + secret)
		fmt.Println("  Events:       Just the push event")
		return nil
	}

	if initGitHubToken == "" {
		return fmt.Errorf("--webhook-url needs a GitHub token (--github-token or GITHUB_TOKEN)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	hookURL := install.HookURL(initHookBaseURL)
	created, err := install.EnsureWebhook(ctx, install.NewGitHubClient(initGitHubToken, nil), repoName, hookURL, secret)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("✓ Registered GitHub webhook %s\n", hookURL)
	} else {
		fmt.Printf("⚠ A webhook for %s already exists; update its secret to the one in %s\n", hookURL, initOutput)
	}
	return nil
}

func writeSystemdUnit(unitPath, configPath string) error {
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate hookrelay binary: %w", err)
	}

	data := templates.ServiceData{
		User:       "root",
		Group:      "root",
		WorkingDir: filepath.Dir(absConfig),
		Binary:     binary,
		ConfigPath: absConfig,
		LogFile:    filepath.Join(filepath.Dir(absConfig), "hookrelay.log"),
		DBPath:     filepath.Join(filepath.Dir(absConfig), "hookrelay.db"),
	}
	if u, err := user.Current(); err == nil {
		data.User = u.Username
		if g, err := user.LookupGroupId(u.Gid); err == nil {
			data.Group = g.Name
		}
	}

	unit, err := templates.RenderSystemdService(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit: %w", err)
	}
	return nil
}
