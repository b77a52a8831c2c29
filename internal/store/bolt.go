package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"codepod/pkg/models"
)

var (
	bucketContainers = []byte("containers")
	bucketSessions   = []byte("sessions")
)

// Bolt implements Store over a single-file bbolt database. Containers are
// keyed by engine id, sessions by a big-endian sequence number so key order
// matches insertion order.
type Bolt struct {
	db *bolt.DB
}

var _ Store = (*Bolt)(nil)

// NewBolt opens (or creates) the database file at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContainers, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) CreateContainer(ctx context.Context, c *models.Container) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContainers).Put([]byte(c.ID), data)
	})
}

func (b *Bolt) GetContainer(ctx context.Context, id string) (*models.Container, error) {
	var c models.Container
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *Bolt) ListContainers(ctx context.Context) ([]models.Container, error) {
	var out []models.Container
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c models.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *Bolt) FirstContainerByStatus(ctx context.Context, status models.ContainerStatus) (*models.Container, error) {
	all, err := b.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Status == status {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (b *Bolt) CountContainersByStatus(ctx context.Context) (map[models.ContainerStatus]int64, error) {
	out := make(map[models.ContainerStatus]int64)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c models.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out[c.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) UpdateContainerStatus(ctx context.Context, id string, status models.ContainerStatus) error {
	return b.updateContainer(id, func(c *models.Container) {
		c.Status = status
	})
}

func (b *Bolt) SetContainerEngineState(ctx context.Context, id, engineState string) error {
	return b.updateContainer(id, func(c *models.Container) {
		c.DockerStatus = engineState
	})
}

func (b *Bolt) ReplaceContainer(ctx context.Context, oldID string, c *models.Container) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketContainers)
		if bkt.Get([]byte(oldID)) == nil {
			return ErrNotFound
		}
		if err := bkt.Delete([]byte(oldID)); err != nil {
			return err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(c.ID), data)
	})
}

func (b *Bolt) DeleteContainer(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(id))
	})
}

func (b *Bolt) CreateSession(ctx context.Context, s *models.Session) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSessions)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		s.ID = uint(seq)
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return bkt.Put(itob(seq), data)
	})
}

func (b *Bolt) GetSession(ctx context.Context, id uint) (*models.Session, error) {
	var s models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get(itob(uint64(id)))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *Bolt) ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	var out []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var s models.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if status == "" || s.Status == status {
				out = append(out, s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) ActiveSessionsByContainer(ctx context.Context, containerID string) ([]models.Session, error) {
	active, err := b.ListSessions(ctx, models.SessionActive)
	if err != nil {
		return nil, err
	}
	var out []models.Session
	for _, s := range active {
		if s.ContainerID != nil && *s.ContainerID == containerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *Bolt) CountSessions(ctx context.Context, status models.SessionStatus) (int64, error) {
	all, err := b.ListSessions(ctx, status)
	if err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}

func (b *Bolt) RenameSession(ctx context.Context, id uint, name string) error {
	return b.updateSession(id, func(s *models.Session) {
		s.Name = name
	})
}

func (b *Bolt) TouchSession(ctx context.Context, id uint, at time.Time) error {
	return b.updateSession(id, func(s *models.Session) {
		s.LastActivityAt = at.UTC()
	})
}

func (b *Bolt) IncrementSessionCommands(ctx context.Context, id uint, at time.Time) error {
	return b.updateSession(id, func(s *models.Session) {
		s.CommandCount++
		s.LastActivityAt = at.UTC()
	})
}

func (b *Bolt) SetSessionExecuting(ctx context.Context, id uint, executing bool) error {
	return b.updateSession(id, func(s *models.Session) {
		s.IsExecuting = executing
	})
}

func (b *Bolt) MarkSessionDestroyed(ctx context.Context, id uint) error {
	return b.updateSession(id, func(s *models.Session) {
		s.Status = models.SessionDestroyed
		s.ContainerID = nil
		s.IsExecuting = false
	})
}

func (b *Bolt) ResetExecutingSessions(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSessions)

		// Writing during ForEach is undefined behavior, so collect first.
		updates := make(map[uint][]byte)
		err := bkt.ForEach(func(k, v []byte) error {
			var s models.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.Status != models.SessionActive || !s.IsExecuting {
				return nil
			}
			s.IsExecuting = false
			data, err := json.Marshal(&s)
			if err != nil {
				return err
			}
			updates[s.ID] = data
			return nil
		})
		if err != nil {
			return err
		}

		for id, data := range updates {
			if err := bkt.Put(itob(uint64(id)), data); err != nil {
				return err
			}
		}
		n = int64(len(updates))
		return nil
	})
	return n, err
}

func (b *Bolt) updateContainer(id string, mutate func(*models.Container)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketContainers)
		data := bkt.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var c models.Container
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		mutate(&c)
		out, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(id), out)
	})
}

func (b *Bolt) updateSession(id uint, mutate func(*models.Session)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSessions)
		key := itob(uint64(id))
		data := bkt.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var s models.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		mutate(&s)
		out, err := json.Marshal(&s)
		if err != nil {
			return err
		}
		return bkt.Put(key, out)
	})
}

// itob encodes a sequence number as a sortable big-endian key.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
