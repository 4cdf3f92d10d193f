package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "happysrt",
		Short:         "Manage happysrt threads and drafts from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("home", "", "state directory (default ~/.happysrt)")
	flags.String("server", "", "API base URL (default from config, then http://localhost:8787)")
	flags.String("token", "", "bearer token; overrides the stored login")
	flags.Bool("offline", false, "never contact the server")
	flags.Bool("verbose", false, "log to stderr")
	for _, name := range []string{"home", "server", "token", "offline", "verbose"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("happysrt")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	opts := &rootOptions{v: v}
	root.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newWhoamiCmd(opts),
		newSyncCmd(opts),
		newThreadsCmd(opts),
		newCreateCmd(opts),
		newRenameCmd(opts),
		newDeleteCmd(opts),
		newUseCmd(opts),
		newAddItemCmd(opts),
		newUploadCmd(opts),
		newLinkCmd(opts),
		newRemoveMediaCmd(opts),
		newDraftsCmd(opts),
	)
	return root
}

type rootOptions struct {
	v *viper.Viper
}

func (o *rootOptions) home() (string, error) {
	if home := strings.TrimSpace(o.v.GetString("home")); home != "" {
		return home, nil
	}
	return defaultHome()
}

func (o *rootOptions) configPath() (string, error) {
	home, err := o.home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "config.toml"), nil
}

func (o *rootOptions) serverURL(cfg *Config) string {
	if url := strings.TrimSpace(o.v.GetString("server")); url != "" {
		return url
	}
	if cfg.Server.URL != "" {
		return cfg.Server.URL
	}
	return "http://localhost:8787"
}

func (o *rootOptions) token(cfg *Config) string {
	if token := strings.TrimSpace(o.v.GetString("token")); token != "" {
		return token
	}
	return cfg.Auth.Token
}
