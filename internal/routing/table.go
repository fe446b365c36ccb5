package routing

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Target is a country's designated egress forwarding port
type Target struct {
	CountryCode string `json:"country_code"`
	EgressPort  int    `json:"egress_port"`
}

// Table is an immutable snapshot of the fleet registry. Grants copy the
// country code out of it, so replacing the snapshot never retroactively
// alters already-issued grants.
type Table struct {
	targets []Target
	byCode  map[string]Target
}

// Load parses the fleet state file into a new Table. Each line is
// "instance_id=COUNTRY:PORT"; malformed lines are skipped. A missing file
// yields an empty table - the system degrades to "no countries available"
// rather than failing.
func Load(path string) (*Table, error) {
	t := &Table{byCode: make(map[string]Target)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.Contains(line, "=") {
			continue
		}

		_, value, _ := strings.Cut(line, "=")
		country, portStr, ok := strings.Cut(value, ":")
		if !ok {
			continue
		}

		country = strings.ToUpper(strings.TrimSpace(country))
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if country == "" || err != nil || port <= 0 {
			continue
		}

		if _, exists := t.byCode[country]; exists {
			continue // first instance for a country wins
		}

		target := Target{CountryCode: country, EgressPort: port}
		t.targets = append(t.targets, target)
		t.byCode[country] = target
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return t, nil
}

// Countries returns the available country codes in registry file order
func (t *Table) Countries() []string {
	codes := make([]string, 0, len(t.targets))
	for _, target := range t.targets {
		codes = append(codes, target.CountryCode)
	}
	return codes
}

// Targets returns all route targets in registry file order
func (t *Table) Targets() []Target {
	out := make([]Target, len(t.targets))
	copy(out, t.targets)
	return out
}

// IsAvailable checks if a country is served, case-insensitive
func (t *Table) IsAvailable(code string) bool {
	_, ok := t.byCode[strings.ToUpper(code)]
	return ok
}

// Port returns the egress forwarding port for a country
func (t *Table) Port(code string) (int, bool) {
	target, ok := t.byCode[strings.ToUpper(code)]
	if !ok {
		return 0, false
	}
	return target.EgressPort, true
}

// Len returns the number of served countries
func (t *Table) Len() int {
	return len(t.targets)
}

// Registry holds the current route table and swaps in fresh snapshots
// atomically, so in-flight issuance never observes a half-updated table.
type Registry struct {
	path     string
	current  atomic.Pointer[Table]
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry loads the initial snapshot from the fleet state file
func NewRegistry(path string) (*Registry, error) {
	table, err := Load(path)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		path:     path,
		stopChan: make(chan struct{}),
	}
	r.current.Store(table)
	return r, nil
}

// Current returns the active route table snapshot
func (r *Registry) Current() *Table {
	return r.current.Load()
}

// Reload reads the fleet state file and swaps in the new snapshot
func (r *Registry) Reload() error {
	table, err := Load(r.path)
	if err != nil {
		return err
	}
	r.current.Store(table)
	return nil
}

// Start begins periodic reloads of the fleet registry
func (r *Registry) Start(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log.Printf("RouteRegistry: started, %d countries available", r.Current().Len())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				before := r.Current().Len()
				if err := r.Reload(); err != nil {
					log.Printf("RouteRegistry: reload failed: %v", err)
					continue
				}
				if after := r.Current().Len(); after != before {
					log.Printf("RouteRegistry: fleet changed, %d -> %d countries", before, after)
				}
			case <-r.stopChan:
				log.Println("RouteRegistry: stopped")
				return
			}
		}
	}()
}

// Stop stops the periodic reload
func (r *Registry) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}
