package x402

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Key layout of the durable store. Consumed nonces and revenue entries must
// survive process restart; settlement records are immutable once written.
//
//	n:<len><network><sender><nonce>  consumed-nonce marker
//	s:<txHash>                    settlement record
//	r:<validator>                 revenue entry
//	d:<day>                       settled volume per UTC day
//	a:<version>                   policy-change audit entry
//	meta:policy                   current distribution policy
//	meta:aggregates               lifetime totals
var (
	prefixNonce   = []byte("n:")
	prefixRecord  = []byte("s:")
	prefixRevenue = []byte("r:")
	prefixDay     = []byte("d:")
	prefixAudit   = []byte("a:")
	keyPolicy     = []byte("meta:policy")
	keyAggregates = []byte("meta:aggregates")
)

// Store is the engine's durable state: the replay-nonce set, the revenue
// ledger, settlement records, the distribution policy and its audit trail.
// All writes happen through CommitSettlement and SavePolicy, each a single
// badger transaction, so a crash can never leave a settlement half applied.
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) the durable store at the given path.
func OpenStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemoryStore opens a store that lives only as long as the process.
// Used by tests and throwaway environments.
func OpenInMemoryStore() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// nonceKey length-prefixes the network so an identifier containing any
// delimiter byte can never alias another (network, sender) pair's key.
func nonceKey(network string, sender common.Address, nonce []byte) []byte {
	var buf bytes.Buffer
	buf.Write(prefixNonce)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(network)))
	buf.Write(length[:])
	buf.WriteString(network)
	buf.Write(sender.Bytes())
	buf.Write(nonce)
	return buf.Bytes()
}

func recordKey(txHash common.Hash) []byte {
	return append(append([]byte{}, prefixRecord...), txHash.Bytes()...)
}

func revenueKey(addr common.Address) []byte {
	return append(append([]byte{}, prefixRevenue...), addr.Bytes()...)
}

func dayKey(day string) []byte {
	return append(append([]byte{}, prefixDay...), day...)
}

func auditKey(version uint64) []byte {
	key := append([]byte{}, prefixAudit...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], version)
	return append(key, buf[:]...)
}

// revenueEntry is the stored form of a validator's revenue position. Created
// lazily on first attributed share, mutated on every distribution event,
// never deleted.
type revenueEntry struct {
	Address    common.Address          `json:"address"`
	Cumulative *hexutil.Big            `json:"cumulative"`
	Daily      map[string]*hexutil.Big `json:"daily"`
	LastScore  uint64                  `json:"lastScore"`
}

// aggregates are the lifetime totals behind x402_getX402RevenueStats.
type aggregates struct {
	TotalSettled        *hexutil.Big `json:"totalSettled"`
	TotalValidatorShare *hexutil.Big `json:"totalValidatorShare"`
	TotalTreasuryShare  *hexutil.Big `json:"totalTreasuryShare"`
	SettlementCount     uint64       `json:"settlementCount"`
}

func newAggregates() *aggregates {
	return &aggregates{
		TotalSettled:        (*hexutil.Big)(new(big.Int)),
		TotalValidatorShare: (*hexutil.Big)(new(big.Int)),
		TotalTreasuryShare:  (*hexutil.Big)(new(big.Int)),
	}
}

// NonceConsumed reports whether the nonce already backs a settlement for the
// given sender and network. Read-only; verification calls this without
// taking the writer lock.
func (s *Store) NonceConsumed(network string, sender common.Address, nonce []byte) (bool, error) {
	consumed := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(nonceKey(network, sender, nonce))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		consumed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("nonce lookup: %w", err)
	}
	return consumed, nil
}

// Record returns the settlement record for a transaction hash, or nil if no
// settlement with that identifier was ever committed.
func (s *Store) Record(txHash common.Hash) (*SettlementRecord, error) {
	var record *SettlementRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(txHash))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			record = new(SettlementRecord)
			return json.Unmarshal(val, record)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record lookup: %w", err)
	}
	return record, nil
}

// CommitSettlement applies one settlement as a single atomic transaction:
// the nonce marker, the settlement record, every affected revenue entry, the
// daily volume bucket and the lifetime aggregates commit together or not at
// all.
func (s *Store) CommitSettlement(record *SettlementRecord, nonce []byte, attributions []Attribution, day string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(nonceKey(record.Network, record.From, nonce), []byte{1}); err != nil {
			return err
		}

		recordBytes, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := txn.Set(recordKey(record.TxHash), recordBytes); err != nil {
			return err
		}

		for _, attr := range attributions {
			entry, err := readRevenueEntry(txn, attr.Address)
			if err != nil {
				return err
			}
			cumulative := (*big.Int)(entry.Cumulative)
			cumulative.Add(cumulative, attr.Amount)
			daily := (*big.Int)(entry.Daily[day])
			if daily == nil {
				daily = new(big.Int)
			}
			entry.Daily[day] = (*hexutil.Big)(new(big.Int).Add(daily, attr.Amount))
			entry.LastScore = attr.Score
			entryBytes, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := txn.Set(revenueKey(attr.Address), entryBytes); err != nil {
				return err
			}
		}

		volume, err := readDayVolume(txn, day)
		if err != nil {
			return err
		}
		volume.Add(volume, record.Amount.ToInt())
		if err := txn.Set(dayKey(day), volume.Bytes()); err != nil {
			return err
		}

		agg, err := readAggregates(txn)
		if err != nil {
			return err
		}
		agg.TotalSettled.ToInt().Add(agg.TotalSettled.ToInt(), record.Amount.ToInt())
		agg.TotalValidatorShare.ToInt().Add(agg.TotalValidatorShare.ToInt(), record.ValidatorShare.ToInt())
		agg.TotalTreasuryShare.ToInt().Add(agg.TotalTreasuryShare.ToInt(), record.TreasuryShare.ToInt())
		agg.SettlementCount++
		aggBytes, err := json.Marshal(agg)
		if err != nil {
			return err
		}
		return txn.Set(keyAggregates, aggBytes)
	})
	if err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}
	return nil
}

func readRevenueEntry(txn *badger.Txn, addr common.Address) (*revenueEntry, error) {
	item, err := txn.Get(revenueKey(addr))
	if err == badger.ErrKeyNotFound {
		return &revenueEntry{
			Address:    addr,
			Cumulative: (*hexutil.Big)(new(big.Int)),
			Daily:      make(map[string]*hexutil.Big),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	entry := new(revenueEntry)
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, entry)
	})
	if err != nil {
		return nil, err
	}
	if entry.Daily == nil {
		entry.Daily = make(map[string]*hexutil.Big)
	}
	return entry, nil
}

func readDayVolume(txn *badger.Txn, day string) (*big.Int, error) {
	item, err := txn.Get(dayKey(day))
	if err == badger.ErrKeyNotFound {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	volume := new(big.Int)
	err = item.Value(func(val []byte) error {
		volume.SetBytes(val)
		return nil
	})
	return volume, err
}

func readAggregates(txn *badger.Txn) (*aggregates, error) {
	item, err := txn.Get(keyAggregates)
	if err == badger.ErrKeyNotFound {
		return newAggregates(), nil
	}
	if err != nil {
		return nil, err
	}
	agg := new(aggregates)
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, agg)
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// RevenueEntry returns the stored revenue position of a validator, or nil if
// the validator was never attributed a share.
func (s *Store) RevenueEntry(addr common.Address) (*revenueEntry, error) {
	var entry *revenueEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(revenueKey(addr))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry = new(revenueEntry)
			return json.Unmarshal(val, entry)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("revenue lookup: %w", err)
	}
	return entry, nil
}

// EachRevenueEntry iterates every stored revenue entry. Iteration order is
// the store's key order; callers that need a ranking sort themselves.
func (s *Store) EachRevenueEntry(fn func(entry *revenueEntry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRevenue
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			entry := new(revenueEntry)
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, entry)
			})
			if err != nil {
				return err
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// StatsSnapshot reads the lifetime aggregates, one day's settled volume and
// every revenue entry inside a single transaction, so all three views reflect
// exactly one commit point even while settlements keep landing.
func (s *Store) StatsSnapshot(day string) (*aggregates, *big.Int, []*revenueEntry, error) {
	var (
		agg     *aggregates
		volume  *big.Int
		entries []*revenueEntry
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if agg, err = readAggregates(txn); err != nil {
			return err
		}
		if volume, err = readDayVolume(txn, day); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRevenue
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			entry := new(revenueEntry)
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, entry)
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stats snapshot: %w", err)
	}
	return agg, volume, entries, nil
}

// Aggregates returns the lifetime settlement totals.
func (s *Store) Aggregates() (totalSettled, totalValidator, totalTreasury *big.Int, count uint64, err error) {
	var agg *aggregates
	err = s.db.View(func(txn *badger.Txn) error {
		agg, err = readAggregates(txn)
		return err
	})
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("aggregates lookup: %w", err)
	}
	return agg.TotalSettled.ToInt(), agg.TotalValidatorShare.ToInt(), agg.TotalTreasuryShare.ToInt(), agg.SettlementCount, nil
}

// DayVolume returns the settled volume of one UTC day.
func (s *Store) DayVolume(day string) (*big.Int, error) {
	var volume *big.Int
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		volume, err = readDayVolume(txn, day)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("day volume lookup: %w", err)
	}
	return volume, nil
}

// SavePolicy persists a policy together with its audit entry in one
// transaction.
func (s *Store) SavePolicy(policy DistributionPolicy, change PolicyChange) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		policyBytes, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		if err := txn.Set(keyPolicy, policyBytes); err != nil {
			return err
		}
		changeBytes, err := json.Marshal(change)
		if err != nil {
			return err
		}
		return txn.Set(auditKey(change.Version), changeBytes)
	})
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

// LoadPolicy returns the persisted policy, or the default policy if none was
// ever saved.
func (s *Store) LoadPolicy() (DistributionPolicy, error) {
	policy := DefaultPolicy()
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyPolicy)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &policy)
		})
	})
	if err != nil {
		return policy, fmt.Errorf("load policy: %w", err)
	}
	return policy, nil
}

// PolicyChanges returns the audit trail of accepted policy mutations in
// version order.
func (s *Store) PolicyChanges() ([]PolicyChange, error) {
	var changes []PolicyChange
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixAudit
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var change PolicyChange
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &change)
			})
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("policy changes lookup: %w", err)
	}
	return changes, nil
}
