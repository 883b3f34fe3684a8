// Package commands implements the conduit CLI.
package commands

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/conduit/cli/config"
	"github.com/petal-labs/conduit/cli/keystore"
)

// ConfigLoader loads CLI configuration from a path.
type ConfigLoader func(path string) (*config.Config, error)

// KeystoreFactory creates the keystore used for API key storage.
type KeystoreFactory func() (keystore.Keystore, error)

// App holds the CLI's dependencies. Tests swap them for fakes.
type App struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	loadConfig  ConfigLoader
	newBackend  BackendFactory
	newKeystore KeystoreFactory

	cfg     *config.Config
	rootCmd *cobra.Command

	// persistent flags
	configPath  string
	backendName string
	modelName   string
	jsonOut     bool
	verbose     bool
}

// AppOption customizes an App.
type AppOption func(*App)

// WithIO sets the input and output streams.
func WithIO(in io.Reader, out, errOut io.Writer) AppOption {
	return func(a *App) {
		a.in = in
		a.out = out
		a.errOut = errOut
	}
}

// WithConfigLoader sets the configuration loader.
func WithConfigLoader(l ConfigLoader) AppOption {
	return func(a *App) { a.loadConfig = l }
}

// WithBackendFactory sets the backend constructor.
func WithBackendFactory(f BackendFactory) AppOption {
	return func(a *App) { a.newBackend = f }
}

// WithKeystoreFactory sets the keystore constructor.
func WithKeystoreFactory(f KeystoreFactory) AppOption {
	return func(a *App) { a.newKeystore = f }
}

// NewApp creates the CLI application with its command tree.
func NewApp(opts ...AppOption) *App {
	app := &App{
		in:          os.Stdin,
		out:         os.Stdout,
		errOut:      os.Stderr,
		loadConfig:  config.LoadConfig,
		newBackend:  defaultBackendFactory,
		newKeystore: keystore.NewKeystore,
	}
	for _, opt := range opts {
		opt(app)
	}

	root := &cobra.Command{
		Use:           "conduit",
		Short:         "Chat with LLM providers through one interface",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig()
		},
	}
	root.SetIn(app.in)
	root.SetOut(app.out)
	root.SetErr(app.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&app.configPath, "config", "", "config file (default ~/.conduit/config.yaml)")
	pf.StringVarP(&app.backendName, "backend", "b", "", "backend to use (openai, anthropic, router)")
	pf.StringVarP(&app.modelName, "model", "m", "", "model to use")
	pf.BoolVar(&app.jsonOut, "json", false, "emit JSON output")
	pf.BoolVarP(&app.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newChatCmd(app),
		newModelsCmd(app),
		newKeysCmd(app),
		newVersionCmd(app),
	)
	app.rootCmd = root
	return app
}

// initConfig loads the config file and applies its defaults to unset
// flags.
func (a *App) initConfig() error {
	path := a.configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := a.loadConfig(path)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.backendName == "" {
		a.backendName = cfg.DefaultBackend
	}
	if a.backendName == "" {
		a.backendName = "openai"
	}
	if a.modelName == "" {
		if bc := cfg.GetBackend(a.backendName); bc != nil && bc.Model != "" {
			a.modelName = bc.Model
		}
	}
	if a.modelName == "" {
		a.modelName = cfg.DefaultModel
	}
	return nil
}

// Execute runs the CLI with the given arguments.
func (a *App) Execute(args []string) error {
	a.rootCmd.SetArgs(args)
	return a.rootCmd.Execute()
}
