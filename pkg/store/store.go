// Package store persists engine state to a key-value database so the
// daemon can restart without losing positions, requests or pool
// accounting.
package store

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/perps"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key prefixes. One namespace per record kind.
const (
	prefixPosition  = "p/"
	prefixRequest   = "r/"
	prefixOrder     = "o/"
	prefixFunding   = "f/"
	prefixShorts    = "s/"
	prefixPoolAsset = "a/"
	keyPoolToken    = "g/token"
)

// Store wraps a database.Database with the engine's record types. It
// implements perps.Persister, perps.RequestPersister and
// perps.OrderPersister.
type Store struct {
	db     database.Database
	logger log.Logger
}

// New creates a store on top of db.
func New(db database.Database) *Store {
	return &Store{
		db:     db,
		logger: log.Root().New("module", "store"),
	}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePosition writes a position record.
func (s *Store) SavePosition(pos *perps.Position) error {
	return s.put(prefixPosition+pos.Key(), pos)
}

// DeletePosition removes a closed position.
func (s *Store) DeletePosition(key string) error {
	return s.db.Delete([]byte(prefixPosition + key))
}

// SaveFunding writes a funding accumulator snapshot.
func (s *Store) SaveFunding(fs *perps.FundingState) error {
	return s.put(prefixFunding+fs.Asset, fs)
}

// SaveShortAggregate writes the global short snapshot for an asset.
func (s *Store) SaveShortAggregate(agg *perps.ShortAggregate) error {
	return s.put(prefixShorts+agg.Asset, agg)
}

// SavePoolAsset writes the per-asset pool accounting snapshot.
func (s *Store) SavePoolAsset(state *perps.PoolAssetState) error {
	return s.put(prefixPoolAsset+state.Asset, state)
}

// SaveRequest writes a delayed execution request.
func (s *Store) SaveRequest(req *perps.Request) error {
	return s.put(prefixRequest+req.ID, req)
}

// SaveOrder writes a trigger order.
func (s *Store) SaveOrder(order *perps.TriggerOrder) error {
	return s.put(prefixOrder+order.ID, order)
}

// SavePoolToken writes the pool share token supply and balances.
func (s *Store) SavePoolToken(state *perps.PoolTokenState) error {
	return s.put(keyPoolToken, state)
}

// LoadPoolToken reads the pool token state, or nil when none was saved.
func (s *Store) LoadPoolToken() (*perps.PoolTokenState, error) {
	raw, err := s.db.Get([]byte(keyPoolToken))
	if err == database.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state perps.PoolTokenState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode pool token state: %w", err)
	}
	return &state, nil
}

// LoadPositions reads all saved positions.
func (s *Store) LoadPositions() ([]*perps.Position, error) {
	var out []*perps.Position
	err := s.scan(prefixPosition, func(raw []byte) error {
		var pos perps.Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			return err
		}
		out = append(out, &pos)
		return nil
	})
	return out, err
}

// LoadRequests reads all saved requests, terminal ones included.
func (s *Store) LoadRequests() ([]*perps.Request, error) {
	var out []*perps.Request
	err := s.scan(prefixRequest, func(raw []byte) error {
		var req perps.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		out = append(out, &req)
		return nil
	})
	return out, err
}

// LoadOrders reads all saved trigger orders.
func (s *Store) LoadOrders() ([]*perps.TriggerOrder, error) {
	var out []*perps.TriggerOrder
	err := s.scan(prefixOrder, func(raw []byte) error {
		var order perps.TriggerOrder
		if err := json.Unmarshal(raw, &order); err != nil {
			return err
		}
		out = append(out, &order)
		return nil
	})
	return out, err
}

// LoadFunding reads all funding accumulators.
func (s *Store) LoadFunding() ([]*perps.FundingState, error) {
	var out []*perps.FundingState
	err := s.scan(prefixFunding, func(raw []byte) error {
		var fs perps.FundingState
		if err := json.Unmarshal(raw, &fs); err != nil {
			return err
		}
		out = append(out, &fs)
		return nil
	})
	return out, err
}

// LoadShorts reads all global short snapshots.
func (s *Store) LoadShorts() ([]*perps.ShortAggregate, error) {
	var out []*perps.ShortAggregate
	err := s.scan(prefixShorts, func(raw []byte) error {
		var agg perps.ShortAggregate
		if err := json.Unmarshal(raw, &agg); err != nil {
			return err
		}
		out = append(out, &agg)
		return nil
	})
	return out, err
}

// LoadPoolAssets reads all per-asset pool snapshots.
func (s *Store) LoadPoolAssets() ([]*perps.PoolAssetState, error) {
	var out []*perps.PoolAssetState
	err := s.scan(prefixPoolAsset, func(raw []byte) error {
		var state perps.PoolAssetState
		if err := json.Unmarshal(raw, &state); err != nil {
			return err
		}
		out = append(out, &state)
		return nil
	})
	return out, err
}

func (s *Store) put(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Put([]byte(key), raw)
}

func (s *Store) scan(prefix string, decode func(raw []byte) error) error {
	it := s.db.NewIteratorWithPrefix([]byte(prefix))
	defer it.Release()
	for it.Next() {
		if err := decode(it.Value()); err != nil {
			return fmt.Errorf("decode %s: %w", string(it.Key()), err)
		}
	}
	return it.Error()
}
