package broker

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/mqttkit/broker/session"
	"github.com/mqttkit/broker/topic"
)

// snapshotFile is the on-disk shape spec §6 names: a single JSON object
// with the tree contents and the session table, both with transport
// handles already stripped by the store/tree's own Snapshot methods.
type snapshotFile struct {
	TopicHandler   []topic.FilterState    `json:"topic_handler"`
	ClientsManager []session.SessionState `json:"clients_manager"`
}

// SaveSnapshot writes the broker's current topic tree and session table
// to path as JSON (spec §6 "Snapshot persistence"). It is safe to call
// concurrently with ordinary traffic: the tree and store each take their
// own internal locks while walking, outside of any publish routing
// critical section.
func (s *Server) SaveSnapshot(path string) error {
	snap := snapshotFile{
		TopicHandler:   s.tree.Snapshot(),
		ClientsManager: s.store.Snapshot(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot reads a file written by SaveSnapshot and reinstates
// subscriptions, retained messages, and non-clean-session client
// sessions into a freshly constructed Server, before any listener is
// started. Clean-session entries in the snapshot are dropped.
func (s *Server) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.tree.Restore(snap.TopicHandler)
	s.store.Restore(snap.ClientsManager)
	return nil
}

// RunSnapshotDumper periodically calls SaveSnapshot until ctx is
// canceled, logging (rather than failing) write errors, since a missed
// snapshot must never take down the broker.
func (s *Server) RunSnapshotDumper(ctx context.Context, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveSnapshot(path); err != nil {
				log.Printf("broker: snapshot dump to %s: %v", path, err)
			}
		}
	}
}
