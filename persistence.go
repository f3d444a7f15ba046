package pool

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

var persistLogger = packageLogger.WithField("subpack", "persistence")

// persistedState is the object that gets json-marshalled and written to
// the peers file: two arrays covering both known-set registries.
type persistedState struct {
	KnownPoints  []json.RawMessage `json:"known_points"`
	KnownPeerIDs []json.RawMessage `json:"known_peer_ids"`
}

type persistedPoint struct {
	Address  string    `json:"address"`
	Trusted  bool      `json:"trusted"`
	LastSeen time.Time `json:"last_seen"`
}

type persistedPeer struct {
	ID       string    `json:"id"`
	Trusted  bool      `json:"trusted"`
	LastSeen time.Time `json:"last_seen"`
	Metadata string    `json:"metadata,omitempty"`
}

func (p *Pool) encodeMeta(blob []byte) string {
	if len(blob) == 0 {
		return ""
	}
	switch p.conf.MetaEncoding {
	case "hex":
		return hex.EncodeToString(blob)
	default:
		return base64.StdEncoding.EncodeToString(blob)
	}
}

func (p *Pool) decodeMeta(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	switch p.conf.MetaEncoding {
	case "hex":
		return hex.DecodeString(s)
	default:
		return base64.StdEncoding.DecodeString(s)
	}
}

func (p *Pool) persistData() ([]byte, error) {
	var state persistedState

	for _, pt := range p.points.Iter() {
		raw, err := json.Marshal(persistedPoint{
			Address:  string(pt.ID),
			Trusted:  pt.Trusted,
			LastSeen: pt.LastSeen,
		})
		if err != nil {
			return nil, err
		}
		state.KnownPoints = append(state.KnownPoints, raw)
	}

	for _, pr := range p.peers.Iter() {
		raw, err := json.Marshal(persistedPeer{
			ID:       string(pr.ID),
			Trusted:  pr.Trusted,
			LastSeen: pr.LastSeen,
			Metadata: p.encodeMeta(pr.Metadata),
		})
		if err != nil {
			return nil, err
		}
		state.KnownPeerIDs = append(state.KnownPeerIDs, raw)
	}

	return json.Marshal(state)
}

// writeKnownSet serializes the known-set to the configured path
// atomically: written to a temp file in the same directory, then renamed
// over the target.
func (p *Pool) writeKnownSet() error {
	if p.conf.PeersFile == "" {
		return nil
	}
	data, err := p.persistData()
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.conf.PeersFile)
	tmp, err := os.CreateTemp(dir, ".peers-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p.conf.PeersFile)
}

// loadKnownSet restores the known-set from the configured path. Malformed
// entries are skipped with a warning; a missing file is not an error.
func (p *Pool) loadKnownSet() error {
	if p.conf.PeersFile == "" {
		return nil
	}
	data, err := os.ReadFile(p.conf.PeersFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("pool: parsing peers file: %w", err)
	}

	loaded := 0
	for _, raw := range state.KnownPoints {
		var pt persistedPoint
		if err := json.Unmarshal(raw, &pt); err != nil {
			persistLogger.WithError(err).Warn("skipping malformed persisted point")
			continue
		}
		host, port, err := net.SplitHostPort(pt.Address)
		if err != nil {
			persistLogger.WithField("address", pt.Address).Warn("skipping persisted point with invalid address")
			continue
		}
		id, err := NewPointID(host, port)
		if err != nil {
			persistLogger.WithField("address", pt.Address).Warn("skipping persisted point with invalid address")
			continue
		}
		p.points.Restore(id, host, port, pt.Trusted, pt.LastSeen)
		loaded++
	}

	for _, raw := range state.KnownPeerIDs {
		var pr persistedPeer
		if err := json.Unmarshal(raw, &pr); err != nil {
			persistLogger.WithError(err).Warn("skipping malformed persisted peer")
			continue
		}
		if pr.ID == "" {
			persistLogger.Warn("skipping persisted peer without id")
			continue
		}
		meta, err := p.decodeMeta(pr.Metadata)
		if err != nil {
			persistLogger.WithError(err).WithField("peer", pr.ID).Warn("skipping persisted peer with bad metadata")
			continue
		}
		p.peers.Restore(PeerID(pr.ID), pr.Trusted, pr.LastSeen, meta)
		loaded++
	}

	persistLogger.WithField("entries", loaded).Debug("loaded known-set from disk")
	return nil
}
