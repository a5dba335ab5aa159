package server

import (
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/mainline-go/dht/dht"
	"github.com/mainline-go/dht/internal/metrics"
)

var (
	bucketImmutable = []byte("immutable")
	bucketMutable   = []byte("mutable")
	bucketPeers     = []byte("peers")
)

// storedMutable is the on-disk encoding of a dht.MutableItem: boltdb
// stores raw bytes per key, so the record is JSON-encoded rather than
// carried as Go struct memory.
type storedMutable struct {
	PublicKey [32]byte `json:"k"`
	Seq       int64    `json:"seq"`
	Value     []byte   `json:"v"`
	Signature [64]byte `json:"sig"`
	Salt      []byte   `json:"salt"`
}

// BoltServer is a dht.Handler identical to Store in its wire behavior,
// but durable: every successful write goes through a bolt.DB transaction
// before the ack is sent, so put records survive a restart (spec.md §1
// Non-goals: the core itself never persists, but "the pluggable server
// may do so"). announce_peer entries are kept in memory only.
type BoltServer struct {
	db        *bolt.DB
	directory peerDirectory // announce_peer stays in memory: ephemeral by nature
}

// OpenBoltServer opens (creating if necessary) a bolt.DB at path and
// prepares its buckets.
func OpenBoltServer(path string) (*BoltServer, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("server: opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketImmutable, bucketMutable, bucketPeers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("server: preparing bolt buckets: %w", err)
	}
	return &BoltServer{db: db, directory: newPeerDirectory()}, nil
}

// Close releases the underlying database file.
func (s *BoltServer) Close() error { return s.db.Close() }

// HandleRequest implements dht.Handler.
func (s *BoltServer) HandleRequest(table *dht.RoutingTable, from *dht.Node, msg *dht.InboundRequest) dht.HandlerResult {
	if result, ok := pingOrFindNode(table, msg.Request.Kind, msg.Request.Target); ok {
		return result
	}

	switch msg.Request.Kind {
	case dht.KindGetPeers:
		return s.directory.getPeers(table, msg.Request.Target, msg.Request.Token)

	case dht.KindAnnouncePeer:
		return s.directory.announce(from, msg)

	case dht.KindGetValue:
		return s.handleGetValue(table, msg)

	case dht.KindPutImmutable:
		return s.handlePutImmutable(msg)

	case dht.KindPutMutable:
		return s.handlePutMutable(msg)

	default:
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 204, Message: "unsupported method"}}
	}
}

func (s *BoltServer) handleGetValue(table *dht.RoutingTable, msg *dht.InboundRequest) dht.HandlerResult {
	var value []byte
	var seq *int64
	var pubKey [32]byte
	var signature [64]byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketImmutable).Get(msg.Request.Target[:]); v != nil {
			value = append([]byte(nil), v...)
			return nil
		}
		if raw := tx.Bucket(bucketMutable).Get(msg.Request.Target[:]); raw != nil {
			var sm storedMutable
			if err := json.Unmarshal(raw, &sm); err != nil {
				return err
			}
			value = sm.Value
			s := sm.Seq
			seq = &s
			pubKey = sm.PublicKey
			signature = sm.Signature
		}
		return nil
	})
	if err != nil {
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 202, Message: "store read failed"}}
	}
	if value != nil {
		return dht.HandlerResult{Response: &dht.OutboundResponse{
			Value: value, Seq: seq, PublicKey: pubKey, Signature: signature,
		}}
	}

	return dht.HandlerResult{Response: &dht.OutboundResponse{
		Nodes: table.ClosestSecure(msg.Request.Target, 0, 0),
	}}
}

func (s *BoltServer) handlePutImmutable(msg *dht.InboundRequest) dht.HandlerResult {
	if !msg.TokenValid {
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 203, Message: "bad token"}}
	}
	item := dht.NewImmutableItem(msg.Request.Value)
	if item.Target != msg.Request.Target {
		metrics.InvalidRecords.Mark(1)
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 203, Message: "target is not sha1(v)"}}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImmutable).Put(item.Target[:], item.Value)
	})
	if err != nil {
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 202, Message: "store write failed"}}
	}
	return dht.HandlerResult{Response: &dht.OutboundResponse{}}
}

func (s *BoltServer) handlePutMutable(msg *dht.InboundRequest) dht.HandlerResult {
	if !msg.TokenValid {
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 203, Message: "bad token"}}
	}

	incoming := &dht.MutableItem{
		Target:    msg.Request.Target,
		PublicKey: msg.Request.PublicKey,
		Seq:       seqOf(msg.Request.Seq),
		Value:     msg.Request.Value,
		Signature: msg.Request.Signature,
		Salt:      msg.Request.Salt,
	}
	if err := incoming.Verify(); err != nil {
		metrics.InvalidRecords.Mark(1)
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 203, Message: err.Error()}}
	}

	var result dht.HandlerResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMutable)
		if raw := bucket.Get(incoming.Target[:]); raw != nil {
			var existing storedMutable
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if msg.Request.Cas != nil && *msg.Request.Cas != existing.Seq {
				result = dht.HandlerResult{Err: &dht.ErrorResponse{Code: 301, Message: "cas mismatch"}}
				return nil
			}
			if incoming.Seq < existing.Seq {
				result = dht.HandlerResult{Err: &dht.ErrorResponse{Code: 302, Message: "sequence number less than current"}}
				return nil
			}
		}
		encoded, err := json.Marshal(storedMutable{
			PublicKey: incoming.PublicKey,
			Seq:       incoming.Seq,
			Value:     incoming.Value,
			Signature: incoming.Signature,
			Salt:      incoming.Salt,
		})
		if err != nil {
			return err
		}
		result = dht.HandlerResult{Response: &dht.OutboundResponse{}}
		return bucket.Put(incoming.Target[:], encoded)
	})
	if err != nil {
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 202, Message: "store write failed"}}
	}
	return result
}

// recordCount returns the number of stored records in bucket, for Stats
// (which the tests use).
func recordCount(db *bolt.DB, bucket []byte) (int, error) {
	var n int
	err := db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Stats reports how many immutable and mutable records are stored.
func (s *BoltServer) Stats() (immutable, mutable int, err error) {
	immutable, err = recordCount(s.db, bucketImmutable)
	if err != nil {
		return 0, 0, err
	}
	mutable, err = recordCount(s.db, bucketMutable)
	return immutable, mutable, err
}
