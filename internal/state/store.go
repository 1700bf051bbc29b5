// Package state implements the durable State Store (C3): atomic
// checkpoints of WorkflowState keyed by workflow_id, backed by bbolt, an
// embedded pure-Go B+tree KV store. Adapted from the teacher's
// persistence.go WorkflowStore, narrowed to the spec's save/load/delete/list
// contract and the secondary name index the cron scheduler needs.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bioflow/orchestrator/internal/workflow"
)

var (
	bucketStates    = []byte("workflow_states")
	bucketNameIndex = []byte("workflow_name_index")
	bucketSchedules = []byte("schedules")
)

// Store is the bbolt-backed State Store.
type Store struct {
	db *bbolt.DB

	// per-workflow serialization: save/delete of the same workflow_id are
	// serialized, but different workflows proceed concurrently (spec §5).
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open opens (creating if absent) a bbolt database at path and ensures the
// buckets this store needs exist.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("state: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketStates, bucketNameIndex, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("bioflow_state_read_ms")
	writeLatency, _ := meter.Float64Histogram("bioflow_state_write_ms")

	return &Store{
		db:           db,
		locks:        make(map[string]*sync.Mutex),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(workflowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workflowID] = l
	}
	return l
}

// Save persists ws atomically. A bbolt Update transaction either commits
// entirely or not at all, so no reader ever observes a partial record
// (spec §4.3 "atomic from the reader's perspective").
func (s *Store) Save(ctx context.Context, ws *workflow.WorkflowState) error {
	start := time.Now()
	l := s.lockFor(ws.WorkflowID)
	l.Lock()
	defer l.Unlock()

	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketStates).Put([]byte(ws.WorkflowID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketNameIndex).Put([]byte(ws.Name), []byte(ws.WorkflowID))
	})
	if err != nil {
		return fmt.Errorf("state: save: %w", err)
	}
	if s.writeLatency != nil {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "save")))
	}
	return nil
}

// Load returns the most recently saved state for workflowID, or nil if
// absent. A corrupted record returns an error rather than silently dropping
// data.
func (s *Store) Load(ctx context.Context, workflowID string) (*workflow.WorkflowState, error) {
	start := time.Now()
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketStates).Get([]byte(workflowID))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: load: %w", err)
	}
	if s.readLatency != nil {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "load")))
	}
	if data == nil {
		return nil, nil
	}
	var ws workflow.WorkflowState
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("state: corrupt record for %s: %w", workflowID, err)
	}
	return &ws, nil
}

// LoadByName resolves a workflow_id from the secondary name index, useful
// for hosts (like the cron scheduler) that think in terms of workflow
// names rather than ids.
func (s *Store) LoadByName(ctx context.Context, name string) (*workflow.WorkflowState, error) {
	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketNameIndex).Get([]byte(name))
		if v != nil {
			id = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: load by name: %w", err)
	}
	if id == nil {
		return nil, nil
	}
	return s.Load(ctx, string(id))
}

// Delete removes persisted state for workflowID. Absence is not an error.
func (s *Store) Delete(workflowID string) error {
	l := s.lockFor(workflowID)
	l.Lock()
	defer l.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStates).Delete([]byte(workflowID))
	})
}

// List enumerates all persisted workflow ids.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	return ids, nil
}

// Cleanup deletes every persisted workflow whose CreatedAt predates cutoff
// and whose status is terminal (spec §4.6 cleanup(older_than)).
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		ws, err := s.Load(ctx, id)
		if err != nil || ws == nil {
			continue
		}
		terminal := ws.Status == workflow.StatusCompleted ||
			ws.Status == workflow.StatusFailed ||
			ws.Status == workflow.StatusCancelled
		if terminal && ws.CreatedAt.Before(cutoff) {
			if err := s.Delete(id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// PutSchedule persists a raw schedule config record under key name.
func (s *Store) PutSchedule(name string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(name), data)
	})
}

// ListSchedules returns every persisted schedule config, keyed by name.
func (s *Store) ListSchedules() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// DeleteSchedule removes a persisted schedule config.
func (s *Store) DeleteSchedule(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}
