// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package attach

import (
	"fmt"

	"github.com/flywall/routerd/internal/host"
)

// VerifyKernelSupport checks that the running kernel can actually
// carry this attachment's datapath (TCX links, BTF-typed maps, ring
// buffers) before Open/Load ever tries and fails deep inside a
// cilium/ebpf call.
func VerifyKernelSupport() error {
	for _, issue := range host.VerifyBPFSupport() {
		if issue.Fatal {
			return fmt.Errorf("attach: kernel support check failed: %s", issue.Message)
		}
	}
	return nil
}
