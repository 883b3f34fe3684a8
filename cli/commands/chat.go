package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/conduit/cli/keystore"
	"github.com/petal-labs/conduit/core"
	"github.com/petal-labs/conduit/router"
)

// Exit codes by failure class.
const (
	ExitValidation = 1
	ExitAuth       = 2
	ExitProvider   = 3
	ExitNetwork    = 4
)

// exitError carries an exit code alongside the underlying error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

// classifyExit wraps err with the exit code for its error kind.
func classifyExit(err error) error {
	if err == nil {
		return nil
	}
	switch core.KindOf(err) {
	case core.KindValidation, core.KindConversion:
		return &exitError{code: ExitValidation, err: err}
	case core.KindAuthentication, core.KindAuthorization:
		return &exitError{code: ExitAuth, err: err}
	case core.KindNetwork, core.KindTimeout:
		return &exitError{code: ExitNetwork, err: err}
	default:
		return &exitError{code: ExitProvider, err: err}
	}
}

func newChatCmd(app *App) *cobra.Command {
	var (
		prompt      string
		system      string
		temperature float64
		maxTokens   int
		stream      bool
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send a chat request to a backend",
		Long: `Send a chat request to the configured backend.

The prompt comes from the argument, --prompt, or stdin when piped.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := prompt
			if text == "" && len(args) > 0 {
				text = strings.Join(args, " ")
			}
			if text == "" {
				piped, err := readPiped(app.in)
				if err != nil {
					return err
				}
				text = piped
			}
			if text == "" {
				return &exitError{code: ExitValidation,
					err: errors.New("no prompt: pass an argument, --prompt, or pipe stdin")}
			}

			backend, err := app.resolveBackend()
			if err != nil {
				return classifyExit(err)
			}

			req := &core.ChatRequest{
				Parameters: &core.Parameters{Model: app.modelName},
			}
			if system != "" {
				req.Messages = append(req.Messages, core.TextMessage(core.RoleSystem, system))
			}
			req.Messages = append(req.Messages, core.TextMessage(core.RoleUser, text))
			if cmd.Flags().Changed("temperature") {
				req.Parameters.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				req.Parameters.MaxTokens = &maxTokens
			}

			bridge := core.NewBridge(core.PassthroughFrontend{}, backend)
			ctx := cmd.Context()

			if stream {
				return classifyExit(app.runChatStream(ctx, bridge, req))
			}

			resp, err := bridge.ChatIR(ctx, req)
			if err != nil {
				return classifyExit(err)
			}
			if app.jsonOut {
				return json.NewEncoder(app.out).Encode(resp)
			}
			fmt.Fprintln(app.out, resp.Message.Text())
			if app.verbose && resp.Usage != nil {
				fmt.Fprintf(app.errOut, "tokens: %d prompt, %d completion\n",
					resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt text")
	cmd.Flags().StringVarP(&system, "system", "s", "", "system prompt")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0.7, "sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "maximum completion tokens")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the response")
	return cmd
}

// runChatStream prints content deltas as they arrive.
func (a *App) runChatStream(ctx context.Context, bridge *core.Bridge, req *core.ChatRequest) error {
	stream, err := bridge.ChatStreamIR(ctx, req)
	if err != nil {
		return err
	}
	var usage *core.Usage
	for chunk := range stream.C {
		switch chunk.Type {
		case core.ChunkContent:
			fmt.Fprint(a.out, chunk.Delta)
		case core.ChunkDone:
			usage = chunk.Usage
		case core.ChunkError:
			fmt.Fprintln(a.out)
			return chunk.Err
		}
	}
	fmt.Fprintln(a.out)
	if a.verbose && usage != nil {
		fmt.Fprintf(a.errOut, "tokens: %d prompt, %d completion\n",
			usage.PromptTokens, usage.CompletionTokens)
	}
	return nil
}

func readPiped(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok {
		info, err := f.Stat()
		if err != nil || info.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// resolveBackend constructs the selected backend, or a router over the
// configured backend list when "router" is selected.
func (a *App) resolveBackend() (core.Backend, error) {
	if a.backendName == "router" {
		return a.buildRouter()
	}
	apiKey, err := a.resolveAPIKey(a.backendName)
	if err != nil {
		return nil, err
	}
	return a.newBackend(a.backendName, apiKey, a.cfg.GetBackend(a.backendName))
}

func (a *App) buildRouter() (core.Backend, error) {
	if a.cfg.Router == nil || len(a.cfg.Router.Backends) == 0 {
		return nil, core.NewValidationError("router", "router selected but not configured")
	}
	var members []core.Backend
	for _, name := range a.cfg.Router.Backends {
		apiKey, err := a.resolveAPIKey(name)
		if err != nil {
			return nil, err
		}
		b, err := a.newBackend(name, apiKey, a.cfg.GetBackend(name))
		if err != nil {
			return nil, err
		}
		members = append(members, b)
	}
	r, err := router.New(members, router.Config{
		Strategy:        router.Strategy(a.cfg.Router.Strategy),
		FallbackOnError: true,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// resolveAPIKey finds the API key for a backend: configured env var
// first, then the keystore, then the conventional environment variable.
func (a *App) resolveAPIKey(name string) (string, error) {
	if bc := a.cfg.GetBackend(name); bc != nil && bc.APIKeyEnv != "" {
		if key := os.Getenv(bc.APIKeyEnv); key != "" {
			return key, nil
		}
	}

	ks, err := a.newKeystore()
	if err == nil {
		key, err := ks.Get(name)
		if err == nil {
			return key, nil
		}
		var notFound *keystore.ErrKeyNotFound
		if !errors.As(err, &notFound) {
			return "", err
		}
	}

	envName := strings.ToUpper(name) + "_API_KEY"
	if key := os.Getenv(envName); key != "" {
		return key, nil
	}
	return "", &core.Error{
		Kind:    core.KindAuthentication,
		Message: fmt.Sprintf("no API key for %s: run 'conduit keys set %s' or set %s", name, name, envName),
	}
}
