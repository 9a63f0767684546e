// Package licensenames maps Microsoft license SKU ids to human-readable
// product names for alert text. The table is process-wide and read-only
// after Init; callers must Init once at startup before any lookup.
package licensenames

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

var (
	mu    sync.RWMutex
	names map[string]string
)

// builtin covers the SKUs the analyzers most commonly report on. The full
// Microsoft table has hundreds of rows; unknown SKUs fall back to the id.
var builtin = map[string]string{
	"c7df2760-2c81-4ef7-b578-5b5392b571df": "Microsoft 365 E5",
	"05e9a617-0261-4cee-bb44-138d3ef5d965": "Microsoft 365 E3",
	"6fd2c87f-b296-42f0-b197-1e91e994b900": "Office 365 E3",
	"c42b9cae-ea4f-4ab7-9717-81576235ccac": "Microsoft 365 Business Premium",
	"3b555118-da6a-4418-894f-7df1e2096870": "Microsoft 365 Business Basic",
	"f245ecc8-75af-4f8e-b61f-27d8114de5f3": "Microsoft 365 Business Standard",
	"4b9405b0-7788-4568-add1-99614e613b69": "Exchange Online (Plan 1)",
	"19ec0d23-8335-4cbd-94ac-6050e30712fa": "Exchange Online (Plan 2)",
	"e43b5b99-8dfb-405f-9987-dc307f34bcbd": "Microsoft Defender for Endpoint",
	"84a661c4-e949-4bd2-a560-ed7766fcaf2b": "Microsoft Entra ID P2",
	"078d2b04-f1bd-4111-bbd4-b4b1b354cef4": "Microsoft Entra ID P1",
}

// Init installs the lookup table, overlaying entries from path (a JSON
// object of skuId to display name) on top of the builtin rows. An empty
// path keeps builtins only. Safe to call again in tests.
func Init(path string) error {
	table := make(map[string]string, len(builtin))
	for k, v := range builtin {
		table[k] = v
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("licensenames: read %s: %w", path, err)
		}
		var extra map[string]string
		if err := json.Unmarshal(data, &extra); err != nil {
			return fmt.Errorf("licensenames: parse %s: %w", path, err)
		}
		for k, v := range extra {
			table[k] = v
		}
	}
	mu.Lock()
	names = table
	mu.Unlock()
	return nil
}

// Name returns the display name for a SKU id, falling back to the id when
// unknown or when Init has not run.
func Name(skuID string) string {
	mu.RLock()
	defer mu.RUnlock()
	if n, ok := names[skuID]; ok {
		return n
	}
	return skuID
}
