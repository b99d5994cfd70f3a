package main

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog/log"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"
)

// relayListeners publishes the page through every portal relay in urls.
// Entries may themselves be comma-separated.
func relayListeners(urls []string, name, credKey string) ([]*sdk.RDClient, []net.Listener, error) {
	cred := sdk.NewCredential()
	if credKey != "" {
		key, err := base64.StdEncoding.DecodeString(credKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred, err = cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("new credential from private key: %w", err)
		}
	}

	var clients []*sdk.RDClient
	var listeners []net.Listener
	for _, raw := range urls {
		for _, p := range strings.Split(raw, ",") {
			u := strings.TrimSpace(p)
			if u == "" {
				continue
			}
			client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
			if err != nil {
				log.Error().Err(err).Str("url", u).Msg("[roomchat] new relay client failed")
				continue
			}
			clients = append(clients, client)
			ln, err := client.Listen(cred, name, []string{"http/1.1"})
			if err != nil {
				closeRelays(clients, listeners)
				return nil, nil, fmt.Errorf("listen (%s): %w", u, err)
			}
			listeners = append(listeners, ln)
		}
	}
	return clients, listeners, nil
}

func closeRelays(clients []*sdk.RDClient, listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
}
