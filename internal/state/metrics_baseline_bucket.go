// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"encoding/json"
	"time"
)

const (
	ifaceBaselineBucket  = "metrics_baseline_iface"
	policyBaselineBucket = "metrics_baseline_policy"
)

// CounterBaseline is a saved counter snapshot, either for an interface
// (Rx/TxBytes) or a policy (Packets/Bytes), used to compute rate
// deltas across process restarts.
type CounterBaseline struct {
	Name    string    `json:"name"`
	RxBytes uint64    `json:"rx_bytes,omitempty"`
	TxBytes uint64    `json:"tx_bytes,omitempty"`
	Packets uint64    `json:"packets,omitempty"`
	Bytes   uint64    `json:"bytes,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// MetricsBaselineBucket persists interface and policy counter
// baselines used by the metrics collector's rate computation.
type MetricsBaselineBucket struct {
	store Store
}

// NewMetricsBaselineBucket returns a MetricsBaselineBucket backed by store.
func NewMetricsBaselineBucket(store Store) (*MetricsBaselineBucket, error) {
	return &MetricsBaselineBucket{store: store}, nil
}

// SetInterface saves the interface counter baseline.
func (b *MetricsBaselineBucket) SetInterface(c *CounterBaseline) error {
	return b.set(ifaceBaselineBucket, c.Name, c)
}

// GetInterface loads the interface counter baseline.
func (b *MetricsBaselineBucket) GetInterface(name string) (*CounterBaseline, error) {
	return b.get(ifaceBaselineBucket, name)
}

// SetPolicy saves the policy counter baseline.
func (b *MetricsBaselineBucket) SetPolicy(c *CounterBaseline) error {
	return b.set(policyBaselineBucket, c.Name, c)
}

// GetPolicy loads the policy counter baseline.
func (b *MetricsBaselineBucket) GetPolicy(key string) (*CounterBaseline, error) {
	return b.get(policyBaselineBucket, key)
}

func (b *MetricsBaselineBucket) set(bucket, key string, c *CounterBaseline) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.store.Put(bucket, key, data)
}

func (b *MetricsBaselineBucket) get(bucket, key string) (*CounterBaseline, error) {
	data, err := b.store.Get(bucket, key)
	if err != nil {
		return nil, err
	}
	var c CounterBaseline
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
