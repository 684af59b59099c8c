package discover

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/eth2030/node/p2p/enode"
)

// maxPeerstoreEntries bounds the persisted address book (§6).
const maxPeerstoreEntries = 1000

// peerstoreEntry is the on-disk representation of one known peer.
type peerstoreEntry struct {
	NodeID      string `json:"nodeId"`
	IP          string `json:"ip"`
	TCPPort     uint16 `json:"tcpPort"`
	UDPPort     uint16 `json:"udpPort"`
	VectorClock uint32 `json:"vectorClock"`
	LastSeen    int64  `json:"lastSeen"`
}

// SavePeerstore writes the routing table's known peers to path as JSON,
// keeping at most maxPeerstoreEntries, most-recently-seen first (§6).
func SavePeerstore(path string, records []*enode.PeerRecord) error {
	sorted := make([]*enode.PeerRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LastSeen > sorted[j].LastSeen })
	if len(sorted) > maxPeerstoreEntries {
		sorted = sorted[:maxPeerstoreEntries]
	}

	entries := make([]peerstoreEntry, len(sorted))
	for i, r := range sorted {
		entries[i] = peerstoreEntry{
			NodeID:      r.ID.String(),
			IP:          r.IP.String(),
			TCPPort:     r.TCPPort,
			UDPPort:     r.UDPPort,
			VectorClock: r.VectorClock,
			LastSeen:    r.LastSeen,
		}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("discover: encoding peerstore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("discover: creating peerstore dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("discover: writing peerstore: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadPeerstore reads a previously saved peerstore.json, returning an empty
// slice (not an error) if the file doesn't exist yet.
func LoadPeerstore(path string) ([]*enode.PeerRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("discover: reading peerstore: %w", err)
	}

	var entries []peerstoreEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("discover: decoding peerstore: %w", err)
	}

	records := make([]*enode.PeerRecord, 0, len(entries))
	for _, e := range entries {
		id, err := enode.IdentityFromHex(e.NodeID)
		if err != nil {
			continue
		}
		ip := net.ParseIP(e.IP)
		if ip == nil {
			continue
		}
		records = append(records, &enode.PeerRecord{
			ID:          id,
			IP:          ip,
			TCPPort:     e.TCPPort,
			UDPPort:     e.UDPPort,
			VectorClock: e.VectorClock,
			LastSeen:    e.LastSeen,
		})
	}
	return records, nil
}

// PersistLoop periodically saves the table's current peers to path every
// interval, until stop is closed.
func PersistLoop(table *Table, path string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			_ = SavePeerstore(path, table.All())
			return
		case <-ticker.C:
			_ = SavePeerstore(path, table.All())
		}
	}
}
