package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"
)

func defaultRelayList() []string {
	for _, key := range []string{"PORTAL_RELAY", "RELAY", "RELAY_URL", "SERVER_URL"} {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return strings.Split(val, ",")
		}
	}
	return nil
}

func cleanServerURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func splitTags(raw string) []string {
	var out []string
	for _, tok := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(tok); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// relayCredential returns the lease credential, derived from credKey when
// one is given so the widget keeps its Portal address across restarts.
func relayCredential(credKey string) (*cryptoops.Credential, error) {
	if credKey == "" {
		return sdk.NewCredential(), nil
	}
	key, err := base64.StdEncoding.DecodeString(credKey)
	if err != nil {
		return nil, fmt.Errorf("decode cred key: %w", err)
	}
	cred, err := cryptoops.NewCredentialFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("credential from key: %w", err)
	}
	return cred, nil
}

// startPortalBridge exposes handler through the Portal relays. It returns
// a nil closer when no relay is configured.
func startPortalBridge(handler http.Handler, errCh chan<- error) (func(), error) {
	serverURLs := cleanServerURLs(flagServerURLs)
	if len(serverURLs) == 0 {
		return nil, nil
	}
	cred, err := relayCredential(flagCredKey)
	if err != nil {
		return nil, err
	}
	client, err := sdk.NewClient(func(c *sdk.RDClientConfig) {
		c.BootstrapServers = serverURLs
	})
	if err != nil {
		return nil, fmt.Errorf("portal client: %w", err)
	}
	ln, err := client.Listen(cred, flagName, []string{"http/1.1"},
		sdk.WithDescription(flagDescription),
		sdk.WithHide(flagHide),
		sdk.WithOwner(flagOwner),
		sdk.WithTags(splitTags(flagTags)),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("portal listen: %w", err)
	}
	log.Info().Str("name", flagName).Strs("servers", serverURLs).Msg("[livechat] serving Portal relay")
	go func() {
		if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("portal http serve: %w", err)
		}
	}()
	return func() {
		_ = ln.Close()
		_ = client.Close()
	}, nil
}
