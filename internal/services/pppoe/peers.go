// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pppoe

import (
	"fmt"
	"os"
	"path/filepath"
)

const peersDir = "/etc/ppp/peers"

// peersFilePath returns the pppd peer config path for cfg, per spec
// §6: "PPP peer config written to /etc/ppp/peers/<ppp_iface_name>".
func peersFilePath(cfg Config) string {
	return filepath.Join(peersDir, cfg.PPPInterface)
}

// writePeersFile writes a pppd-compatible peer descriptor documenting
// this session's parameters for operator/external-tooling
// compatibility; this client itself does not read the file back, it
// drives the PPPoE/LCP/PAP/CHAP/IPCP exchange directly over the raw
// socket opened in Run.
func writePeersFile(cfg Config) error {
	if err := os.MkdirAll(peersDir, 0755); err != nil {
		return fmt.Errorf("pppoe: create %s: %w", peersDir, err)
	}

	content := fmt.Sprintf(`# managed by routerd, do not edit
plugin rp-pppoe.so
nic-%s
user "%s"
unit %s
noipdefault
defaultroute
usepeerdns
persist
mtu %d
mru %d
`, cfg.AttachInterface, cfg.PeerID, unitSuffix(cfg.PPPInterface), cfg.MTU, cfg.MTU)

	if err := os.WriteFile(peersFilePath(cfg), []byte(content), 0600); err != nil {
		return fmt.Errorf("pppoe: write %s: %w", peersFilePath(cfg), err)
	}
	return nil
}

// removePeersFile deletes the peer descriptor on stop, ignoring a
// not-found result so teardown stays idempotent.
func removePeersFile(cfg Config) {
	path := peersFilePath(cfg)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		_ = err // best-effort cleanup; logged by the caller's defer chain if needed
	}
}

// unitSuffix extracts the numeric unit suffix from a ppp interface
// name like "ppp0" -> "0", defaulting to "0" if absent.
func unitSuffix(pppInterface string) string {
	for i := len(pppInterface) - 1; i >= 0; i-- {
		if pppInterface[i] < '0' || pppInterface[i] > '9' {
			if i == len(pppInterface)-1 {
				return "0"
			}
			return pppInterface[i+1:]
		}
	}
	return pppInterface
}
