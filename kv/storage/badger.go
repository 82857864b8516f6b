package storage

import (
	"github.com/Connor1996/badger"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// BadgerStore is a durable Storage backed by badger. Committed versions and
// distributed-commit decision records are written through to it so that they
// survive a restart of the embedding process.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dbPath string) (*BadgerStore, error) {
	opts := badger.DefaultOptions
	opts.Dir = dbPath
	opts.ValueDir = dbPath
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", dbPath)
	}
	log.Infof("opened badger store at %s", dbPath)
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key []byte) (val []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(val)
		return err
	})
	return val, err
}

func (s *BadgerStore) Put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
