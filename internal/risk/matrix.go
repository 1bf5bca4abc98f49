package risk

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// UnknownTier is what any capability missing from the matrix is treated as.
const UnknownTier = TierHigh

var defaultTiers = map[string]Tier{
	"data_read":         TierLow,
	"search":            TierLow,
	"list_files":        TierLow,
	"http_get":          TierLow,
	"data_write":        TierMedium,
	"send_message":      TierMedium,
	"create_ticket":     TierMedium,
	"workflow_stage":    TierMedium,
	"filesystem_write":  TierHigh,
	"code_execute":      TierHigh,
	"http_post":         TierHigh,
	"deploy_staging":    TierHigh,
	"filesystem_delete": TierCritical,
	"deploy_production": TierCritical,
	"credential_access": TierCritical,
	"payment_execute":   TierCritical,
	"iam_modify":        TierCritical,
}

// Matrix maps capability identifiers to their baseline tier. Entries ending
// in "*" match by prefix; the longest matching prefix wins.
type Matrix struct {
	mu       sync.RWMutex
	exact    map[string]Tier
	prefixes []prefixTier
}

type prefixTier struct {
	prefix string
	tier   Tier
}

type matrixFile struct {
	Capabilities map[string]string `yaml:"capabilities"`
}

func DefaultMatrix() *Matrix {
	m := &Matrix{exact: map[string]Tier{}}
	for id, tier := range defaultTiers {
		m.exact[id] = tier
	}
	return m
}

// NewMatrix builds a matrix from explicit entries, layered over the defaults.
func NewMatrix(entries map[string]Tier) *Matrix {
	m := DefaultMatrix()
	for id, tier := range entries {
		m.Set(id, tier)
	}
	return m
}

// LoadMatrix reads a YAML matrix file and layers it over the defaults.
func LoadMatrix(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseMatrix(data)
}

func ParseMatrix(data []byte) (*Matrix, error) {
	var doc matrixFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse risk matrix: %w", err)
	}
	m := DefaultMatrix()
	for id, name := range doc.Capabilities {
		tier, err := ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("capability %s: %w", id, err)
		}
		m.Set(id, tier)
	}
	return m, nil
}

func (m *Matrix) Set(capabilityID string, tier Tier) {
	id := strings.TrimSpace(capabilityID)
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exact == nil {
		m.exact = map[string]Tier{}
	}
	if strings.HasSuffix(id, "*") {
		prefix := strings.TrimSuffix(id, "*")
		for i := range m.prefixes {
			if m.prefixes[i].prefix == prefix {
				m.prefixes[i].tier = tier
				return
			}
		}
		m.prefixes = append(m.prefixes, prefixTier{prefix: prefix, tier: tier})
		sort.Slice(m.prefixes, func(i, j int) bool {
			return len(m.prefixes[i].prefix) > len(m.prefixes[j].prefix)
		})
		return
	}
	m.exact[id] = tier
}

// LookupBaseRisk returns the capability's baseline tier, failing closed to
// UnknownTier when the capability is not listed.
func (m *Matrix) LookupBaseRisk(capabilityID string) Tier {
	tier, _ := m.Lookup(capabilityID)
	return tier
}

// Lookup is LookupBaseRisk plus whether the capability was known.
func (m *Matrix) Lookup(capabilityID string) (Tier, bool) {
	if m == nil {
		return UnknownTier, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tier, ok := m.exact[capabilityID]; ok {
		return tier, true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(capabilityID, p.prefix) {
			return p.tier, true
		}
	}
	return UnknownTier, false
}
