// Package regions provides thin region/node topology metadata:
// YAML-configured region definitions loaded with gopkg.in/yaml.v3 and
// persisted into the regions/nodes tables, where nodes can be listed by
// region. The queue's ClaimNext does not read these tables.
package regions

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Region describes one topology region loaded from YAML config.
type Region struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Node describes one worker node within a region.
type Node struct {
	ID       string `yaml:"id"`
	Region   string `yaml:"region"`
	Capacity int    `yaml:"capacity"`
}

// Topology is the root of the YAML config document.
type Topology struct {
	Regions []Region `yaml:"regions"`
	Nodes   []Node   `yaml:"nodes"`
}

// LoadTopology reads and parses a region/node topology YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology config %s: %w", path, err)
	}
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology config %s: %w", path, err)
	}
	return &t, nil
}

// Store persists regions/nodes so other components can query them by
// foreign key.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Sync upserts every region and node from t into storage, treating the
// YAML file as the source of truth on every load.
func (s *Store) Sync(t *Topology) error {
	for _, r := range t.Regions {
		if _, err := s.db.Exec(
			`INSERT INTO regions (name, description) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET description = excluded.description`,
			r.Name, r.Description); err != nil {
			return fmt.Errorf("failed to sync region %q: %w", r.Name, err)
		}
	}
	for _, n := range t.Nodes {
		if _, err := s.db.Exec(
			`INSERT INTO nodes (id, region, capacity) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET region = excluded.region, capacity = excluded.capacity`,
			n.ID, n.Region, n.Capacity); err != nil {
			return fmt.Errorf("failed to sync node %q: %w", n.ID, err)
		}
	}
	return nil
}

// TouchNode updates a node's last_seen timestamp.
func (s *Store) TouchNode(nodeID string) error {
	_, err := s.db.Exec(`UPDATE nodes SET last_seen = ? WHERE id = ?`, time.Now().UTC(), nodeID)
	return err
}

// NodesInRegion returns every node id registered under region.
func (s *Store) NodesInRegion(region string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM nodes WHERE region = ?`, region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
