package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"refmanager/api/internal/logging"
	"refmanager/api/internal/references"
)

const (
	keyServer       = "server"
	keyToken        = "token"
	keyOrganization = "organization"
	keyUser         = "user"
)

// cli carries state shared by every subcommand.
type cli struct {
	v       *viper.Viper
	logger  *zap.Logger
	out     io.Writer
	cfgFile string
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New(), logger: zap.NewNop(), out: os.Stdout}
	var logLevel string

	root := &cobra.Command{
		Use:           "refmanager",
		Short:         "Upload PDFs to a reference library and follow their ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.out = cmd.OutOrStdout()
			return c.initialize(logLevel)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: <user config dir>/refmanager/refmanager.yaml)")
	flags.String(keyServer, "http://localhost:8787", "API base URL")
	flags.String("org", "", "organization id")
	flags.String(keyToken, "", "bearer token (normally saved by login)")
	flags.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	_ = c.v.BindPFlag(keyServer, flags.Lookup(keyServer))
	_ = c.v.BindPFlag(keyOrganization, flags.Lookup("org"))
	_ = c.v.BindPFlag(keyToken, flags.Lookup(keyToken))

	root.AddCommand(
		newLoginCommand(c),
		newProjectsCommand(c),
		newListCommand(c),
		newUploadCommand(c),
		newRemoveCommand(c),
	)
	return root
}

// initialize layers flags over REFMANAGER_* environment variables over the
// config file.
func (c *cli) initialize(logLevel string) error {
	c.v.SetEnvPrefix("REFMANAGER")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else {
		c.v.SetConfigName("refmanager")
		c.v.SetConfigType("yaml")
		if dir, err := configDir(); err == nil {
			c.v.AddConfigPath(dir)
		}
		c.v.AddConfigPath(".")
	}
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	logger, err := logging.New(logLevel, "console")
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

func (c *cli) client() (*references.Client, error) {
	return references.NewClient(c.v.GetString(keyServer), references.WithToken(c.v.GetString(keyToken)))
}

func (c *cli) organization() (string, error) {
	org := strings.TrimSpace(c.v.GetString(keyOrganization))
	if org == "" {
		return "", errors.New("no organization: pass --org or run login first")
	}
	return org, nil
}

func (c *cli) requireToken() error {
	if strings.TrimSpace(c.v.GetString(keyToken)) == "" {
		return errors.New("not logged in: run `refmanager login <name>`")
	}
	return nil
}

// saveConfig persists the session next to the config file that was read, or
// in the user config dir when there was none.
func (c *cli) saveConfig() (string, error) {
	path := c.v.ConfigFileUsed()
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, "refmanager.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := c.v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

func configDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "refmanager"), nil
}
