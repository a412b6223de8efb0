package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
	"pkt.systems/termwire/internal/appconfig"
	"pkt.systems/termwire/internal/credentials"
)

const loginTimeout = 15 * time.Second

func newLoginCmd() *cobra.Command {
	var cfgPath string
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the gateway and store the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			if strings.TrimSpace(username) == "" {
				username, err = promptLine(cmd.InOrStdin(), cmd.ErrOrStderr(), "Username: ")
				if err != nil {
					return err
				}
			}
			if username == "" {
				return errors.New("username is required")
			}
			password, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Password: ", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			totp, err := promptLine(cmd.InOrStdin(), cmd.ErrOrStderr(), "TOTP code: ")
			if err != nil {
				return err
			}

			token, err := gatewayLogin(cmd.Context(), cfg.Gateway.BaseURL, username, string(password), totp)
			if err != nil {
				return err
			}

			store, err := credentials.NewStoreWithLogger(cfg.Gateway.CredentialsPath, cfg.Gateway.TokenDir, logger)
			if err != nil {
				return err
			}
			if err := store.Save(cfg.Gateway.BaseURL, credentials.Credential{Username: username, Token: token}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s, token stored for %s\n", username, cfg.Gateway.BaseURL)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&username, "user", "", "username (prompted when omitted)")
	return cmd
}

func gatewayLogin(ctx context.Context, baseURL, username, password, totp string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
		"totp":     totp,
	})
	if err != nil {
		return "", err
	}
	reqCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&failure); err == nil && failure.Error != "" {
			return "", fmt.Errorf("login failed: %s", failure.Error)
		}
		return "", fmt.Errorf("login failed: status %d", resp.StatusCode)
	}
	var success struct {
		Token    string `json:"token"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&success); err != nil {
		return "", err
	}
	if success.Token == "" {
		return "", errors.New("login response missing token")
	}
	return success.Token, nil
}

// promptLine reads one line without buffering ahead, so a passphrase prompt
// can follow on the same reader.
func promptLine(r io.Reader, errOut io.Writer, prompt string) (string, error) {
	_, _ = io.WriteString(errOut, prompt)
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				break
			}
			return "", err
		}
	}
	return strings.TrimSpace(string(line)), nil
}
