package lss

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// RegistryCapacity bounds how many configured nodes are remembered at
// once, matching the commissioning engine's runtime table size.
const RegistryCapacity = 32

// Registry is the commissioning engine's memory of slaves it has
// already assigned a node ID to, so a slave that resets and rejoins
// the bus gets its previous ID back instead of a fresh one. At most
// one record may exist per LSSAddress.
type Registry struct {
	mu     sync.Mutex
	path   string
	nodes  []ConfiguredNode
	logger *log.Entry
}

func NewRegistry(path string) *Registry {
	return &Registry{path: path, logger: log.WithField("component", "lss-registry")}
}

// Find returns the configured node for address, if any.
func (r *Registry) Find(address LSSAddress) (*ConfiguredNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.nodes {
		if r.nodes[i].Address.Equal(address) {
			node := r.nodes[i]
			return &node, true
		}
	}
	return nil, false
}

// Upsert records node, replacing any existing record for the same
// address. If the registry is at capacity and node.Address is new,
// the oldest record is evicted.
func (r *Registry) Upsert(node ConfiguredNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.nodes {
		if r.nodes[i].Address.Equal(node.Address) {
			r.nodes[i] = node
			return
		}
	}
	if len(r.nodes) >= RegistryCapacity {
		r.nodes = r.nodes[1:]
	}
	r.nodes = append(r.nodes, node)
}

// All returns a snapshot of every configured node.
func (r *Registry) All() []ConfiguredNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConfiguredNode, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Load populates the registry from its backing ini file. A missing
// file is not an error: the registry simply starts empty.
func (r *Registry) Load() error {
	if r.path == "" {
		return nil
	}
	cfg, err := ini.LooseLoad(r.path)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = r.nodes[:0]
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		nodeId, err := section.Key("node_id").Uint()
		if err != nil {
			r.logger.WithField("section", section.Name()).WithError(err).Warn("skipping malformed registry entry")
			continue
		}
		vendor, _ := section.Key("vendor_id").Uint()
		product, _ := section.Key("product_code").Uint()
		revision, _ := section.Key("revision_number").Uint()
		serial, _ := section.Key("serial_number").Uint()

		r.nodes = append(r.nodes, ConfiguredNode{
			Address: LSSAddress{
				VendorId:       uint32(vendor),
				ProductCode:    uint32(product),
				RevisionNumber: uint32(revision),
				SerialNumber:   uint32(serial),
			},
			NodeId: uint8(nodeId),
		})
	}
	return nil
}

// Save persists the current registry contents to its backing ini
// file, one section per configured node keyed by its full LSS address.
func (r *Registry) Save() error {
	if r.path == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := ini.Empty()
	for _, node := range r.nodes {
		section, err := cfg.NewSection(fmt.Sprintf("node-%08x-%08x-%08x-%08x",
			node.Address.VendorId, node.Address.ProductCode, node.Address.RevisionNumber, node.Address.SerialNumber))
		if err != nil {
			return err
		}
		section.Key("node_id").SetValue(fmt.Sprintf("%d", node.NodeId))
		section.Key("vendor_id").SetValue(fmt.Sprintf("%d", node.Address.VendorId))
		section.Key("product_code").SetValue(fmt.Sprintf("%d", node.Address.ProductCode))
		section.Key("revision_number").SetValue(fmt.Sprintf("%d", node.Address.RevisionNumber))
		section.Key("serial_number").SetValue(fmt.Sprintf("%d", node.Address.SerialNumber))
	}
	return cfg.SaveTo(r.path)
}
