package favicon

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Database maps Shodan-style mmh3 favicon hashes to technologies.
type Database struct {
	entries map[int32][]TechnologyEntry
	mutex   sync.RWMutex
}

// TechnologyEntry represents a technology identified by favicon hash.
type TechnologyEntry struct {
	Hash       int32   `json:"hash"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// NewDatabase creates a database seeded with the built-in entries.
func NewDatabase() *Database {
	db := &Database{entries: make(map[int32][]TechnologyEntry)}
	for _, e := range defaultEntries {
		db.add(e)
	}
	return db
}

// LoadFromFile merges a JSON array of entries into the database.
func (db *Database) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read favicon database: %w", err)
	}
	var entries []TechnologyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse favicon database: %w", err)
	}

	for _, e := range entries {
		if e.Name == "" {
			return fmt.Errorf("favicon entry %d has no name", e.Hash)
		}
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()
	for _, e := range entries {
		db.add(e)
	}
	return nil
}

func (db *Database) add(e TechnologyEntry) {
	for _, existing := range db.entries[e.Hash] {
		if existing.Name == e.Name {
			return
		}
	}
	db.entries[e.Hash] = append(db.entries[e.Hash], e)
}

// Lookup returns the technologies registered for hash, highest
// confidence first.
func (db *Database) Lookup(hash int32) []TechnologyEntry {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	matches := append([]TechnologyEntry(nil), db.entries[hash]...)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	return matches
}

func (db *Database) Len() int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	n := 0
	for _, es := range db.entries {
		n += len(es)
	}
	return n
}

var defaultEntries = []TechnologyEntry{
	{Hash: 2128322903, Name: "Fortinet", Category: "security", Confidence: 0.95},
	{Hash: 743365239, Name: "Palo Alto Networks", Category: "security", Confidence: 0.95},
	{Hash: -766957629, Name: "Jenkins", Category: "ci-cd", Confidence: 0.90},
	{Hash: 81586312, Name: "GitLab", Category: "development", Confidence: 0.90},
	{Hash: -1255347784, Name: "Grafana", Category: "monitoring", Confidence: 0.85},
	{Hash: 708578229, Name: "WordPress", Category: "cms", Confidence: 0.80},
	{Hash: 1713906415, Name: "Drupal", Category: "cms", Confidence: 0.80},
	{Hash: -235893474, Name: "Joomla", Category: "cms", Confidence: 0.80},
	{Hash: -235893474, Name: "Kibana", Category: "monitoring", Confidence: 0.70},
	{Hash: 1588244429, Name: "Django", Category: "framework", Confidence: 0.75},
	{Hash: -1420295627, Name: "Laravel", Category: "framework", Confidence: 0.75},
	{Hash: 1842519814, Name: "Shopify", Category: "ecommerce", Confidence: 0.85},
	{Hash: -1248316168, Name: "Magento", Category: "ecommerce", Confidence: 0.85},
	{Hash: -1336066072, Name: "JIRA", Category: "project-management", Confidence: 0.90},
	{Hash: 398081544, Name: "Confluence", Category: "collaboration", Confidence: 0.90},
	{Hash: 1953045938, Name: "Prometheus", Category: "monitoring", Confidence: 0.85},
	{Hash: 1942532307, Name: "pfSense", Category: "network", Confidence: 0.90},
	{Hash: 1378306495, Name: "MikroTik", Category: "network", Confidence: 0.90},
	{Hash: -1636564815, Name: "phpMyAdmin", Category: "database", Confidence: 0.90},
	{Hash: -877424385, Name: "Adminer", Category: "database", Confidence: 0.85},
	{Hash: 2130473948, Name: "Apache", Category: "web-server", Confidence: 0.60},
	{Hash: -1282058891, Name: "Nginx", Category: "web-server", Confidence: 0.60},
	{Hash: 1196411029, Name: "IIS", Category: "web-server", Confidence: 0.60},
}
