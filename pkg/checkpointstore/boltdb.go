package checkpointstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/warren/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta       = []byte("meta")
	bucketExecutors  = []byte("executors")
	bucketTasks      = []byte("tasks")
	bucketOperations = []byte("operations")

	keyBootID            = []byte("boot_id")
	keyResourcesTarget   = []byte("resources.target")
	keyResourcesCommitted = []byte("resources.committed")
	keyAgentInfo         = []byte("agent_info")
)

// BoltStore implements Store on top of a single bbolt file in the agent's
// checkpoint directory.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the checkpoint database under
// dataDir/agent.db and ensures all buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "agent.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketExecutors, bucketTasks, bucketOperations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveBootID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyBootID, []byte(id))
	})
}

func (s *BoltStore) LoadBootID() (string, bool, error) {
	var id string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyBootID)
		if v == nil {
			return nil
		}
		found = true
		id = string(v)
		return nil
	})
	return id, found, err
}

func (s *BoltStore) SaveResourcesTarget(resources types.Resources) error {
	return s.putMeta(keyResourcesTarget, resources)
}

func (s *BoltStore) LoadResourcesTarget() (types.Resources, bool, error) {
	var resources types.Resources
	found, err := s.getMeta(keyResourcesTarget, &resources)
	return resources, found, err
}

func (s *BoltStore) CommitResources(resources types.Resources) error {
	return s.putMeta(keyResourcesCommitted, resources)
}

func (s *BoltStore) LoadCommittedResources() (types.Resources, bool, error) {
	var resources types.Resources
	found, err := s.getMeta(keyResourcesCommitted, &resources)
	return resources, found, err
}

func (s *BoltStore) SaveAgentInfo(info *types.Agent) error {
	return s.putMeta(keyAgentInfo, info)
}

func (s *BoltStore) LoadAgentInfo() (*types.Agent, bool, error) {
	var info types.Agent
	found, err := s.getMeta(keyAgentInfo, &info)
	if !found {
		return nil, false, err
	}
	return &info, true, err
}

func (s *BoltStore) putMeta(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(key, data)
	})
}

func (s *BoltStore) getMeta(key []byte, out any) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(key)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, out)
	})
	return found, err
}

func executorKey(frameworkID, executorID string) []byte {
	return []byte(frameworkID + "/" + executorID)
}

func (s *BoltStore) SaveExecutor(rec *ExecutorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutors).Put(executorKey(rec.FrameworkID, rec.ExecutorID), data)
	})
}

func (s *BoltStore) GetExecutor(frameworkID, executorID string) (*ExecutorRecord, bool, error) {
	var rec ExecutorRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketExecutors).Get(executorKey(frameworkID, executorID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if !found {
		return nil, false, err
	}
	return &rec, true, err
}

func (s *BoltStore) ListExecutors() ([]*ExecutorRecord, error) {
	var recs []*ExecutorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutors).ForEach(func(k, v []byte) error {
			var rec ExecutorRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteExecutor(frameworkID, executorID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutors).Delete(executorKey(frameworkID, executorID))
	})
}

func (s *BoltStore) SaveTask(rec *TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(rec.TaskID), data)
	})
}

func (s *BoltStore) GetTask(taskID string) (*TaskRecord, bool, error) {
	var rec TaskRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if !found {
		return nil, false, err
	}
	return &rec, true, err
}

func (s *BoltStore) ListTasks() ([]*TaskRecord, error) {
	var recs []*TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var rec TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) ListTasksByExecutor(frameworkID, executorID string) ([]*TaskRecord, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var filtered []*TaskRecord
	for _, rec := range all {
		if rec.FrameworkID == frameworkID && rec.ExecutorID == executorID {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteTask(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(taskID))
	})
}

func (s *BoltStore) SaveOperation(op *types.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).Put([]byte(op.ID), data)
	})
}

func (s *BoltStore) ListOperations() ([]*types.Operation, error) {
	var ops []*types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(k, v []byte) error {
			var op types.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			ops = append(ops, &op)
			return nil
		})
	})
	return ops, err
}

func (s *BoltStore) DeleteOperation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).Delete([]byte(id))
	})
}
