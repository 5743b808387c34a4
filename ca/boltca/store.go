package boltca

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/estgate/internal/util"
)

// Bucket layout. Generic item records carry the shared metadata; the
// typed buckets link back to an item by its id.
var (
	bucketItems       = []byte("items")
	bucketRequests    = []byte("requests")
	bucketCerts       = []byte("certs")
	bucketRevocations = []byte("revocations")
	bucketTemplates   = []byte("templates")
	bucketKeys        = []byte("keys")
	bucketCAs         = []byte("cas")
)

// Item types, mirroring the upstream database convention.
const (
	itemTypeKey     = 1
	itemTypeRequest = 2
	itemTypeCert    = 3
)

const itemSourceImported = 2

const dbDateLayout = "20060102150405Z"

type itemRecord struct {
	Name    string `json:"name"`
	Type    int    `json:"type"`
	Source  int    `json:"source"`
	Date    string `json:"date"`
	Comment string `json:"comment"`
}

type requestRecord struct {
	Item    uint64 `json:"item"`
	Signed  int    `json:"signed"`
	Request string `json:"request"` // base64 DER CSR
}

type certRecord struct {
	Item    uint64 `json:"item"`
	Serial  string `json:"serial"` // uppercase hex
	Issuer  uint64 `json:"issuer"`
	CA      int    `json:"ca"`
	Cert    string `json:"cert"` // base64 DER
	Hash    uint32 `json:"hash"`
	IssHash uint32 `json:"iss_hash"`
}

type revocationRecord struct {
	CAID      uint64 `json:"caID"`
	Serial    string `json:"serial"`
	Date      string `json:"date"`
	InvalDate string `json:"invaldate"`
	ReasonBit int    `json:"reasonBit"`
}

type caRecord struct {
	CertItem uint64 `json:"certItem"`
	KeyName  string `json:"keyName"`
}

// Store is the embedded certificate database. Writes serialize through
// bbolt's single writer; readers never block each other.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (or creates) the database at path and makes sure all
// buckets exist.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketItems, bucketRequests, bucketCerts, bucketRevocations,
			bucketTemplates, bucketKeys, bucketCAs,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func itob(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bbolt.Bucket, key []byte, v any) bool {
	data := b.Get(key)
	if data == nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func insertItem(tx *bbolt.Tx, item itemRecord) (uint64, error) {
	b := tx.Bucket(bucketItems)
	id, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	if err := putJSON(b, itob(id), item); err != nil {
		return 0, err
	}
	return id, nil
}

// findItem scans the item bucket for an exact name and type match.
// The databases involved are small; a linear scan keeps the layout
// free of secondary indexes.
func findItem(tx *bbolt.Tx, name string, itemType int) (uint64, bool) {
	var found uint64
	c := tx.Bucket(bucketItems).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var item itemRecord
		if json.Unmarshal(v, &item) != nil {
			continue
		}
		if item.Name == name && item.Type == itemType {
			found = binary.BigEndian.Uint64(k)
			return found, true
		}
	}
	return 0, false
}

// requestByName returns the stored CSR record for a request name.
func (s *Store) requestByName(name string) (*requestRecord, bool) {
	var rec requestRecord
	var ok bool
	s.db.View(func(tx *bbolt.Tx) error {
		id, found := findItem(tx, name, itemTypeRequest)
		if !found {
			return nil
		}
		ok = getJSON(tx.Bucket(bucketRequests), itob(id), &rec)
		return nil
	})
	if !ok {
		return nil, false
	}
	return &rec, true
}

// insertRequest stores a CSR as a linked item plus request record.
func (s *Store) insertRequest(name, csrB64, comment string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := insertItem(tx, itemRecord{
			Name:    name,
			Type:    itemTypeRequest,
			Source:  itemSourceImported,
			Date:    time.Now().UTC().Format(dbDateLayout),
			Comment: comment,
		})
		if err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketRequests), itob(id), requestRecord{
			Item:    id,
			Signed:  1,
			Request: csrB64,
		})
	})
}

// insertCert stores an issued certificate as a linked item plus cert
// record carrying the serial, issuer link and the two hash lookup keys.
func (s *Store) insertCert(name string, rec certRecord, comment string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := insertItem(tx, itemRecord{
			Name:    name,
			Type:    itemTypeCert,
			Source:  itemSourceImported,
			Date:    time.Now().UTC().Format(dbDateLayout),
			Comment: comment,
		})
		if err != nil {
			return err
		}
		rec.Item = id
		return putJSON(tx.Bucket(bucketCerts), itob(id), rec)
	})
}

// certByName returns the certificate record linked to a named cert item.
func (s *Store) certByName(name string) (*certRecord, bool) {
	var rec certRecord
	var ok bool
	s.db.View(func(tx *bbolt.Tx) error {
		id, found := findItem(tx, name, itemTypeCert)
		if !found {
			return nil
		}
		ok = getJSON(tx.Bucket(bucketCerts), itob(id), &rec)
		return nil
	})
	if !ok {
		return nil, false
	}
	return &rec, true
}

// caByName resolves a CA name to its certificate record and private key
// PEM. Absence of either is not an error at this layer.
func (s *Store) caByName(name string) (cert *certRecord, keyPEM []byte, ok bool) {
	s.db.View(func(tx *bbolt.Tx) error {
		var ca caRecord
		if !getJSON(tx.Bucket(bucketCAs), []byte(name), &ca) {
			return nil
		}
		var rec certRecord
		if !getJSON(tx.Bucket(bucketCerts), itob(ca.CertItem), &rec) {
			return nil
		}
		key := tx.Bucket(bucketKeys).Get([]byte(ca.KeyName))
		if key == nil {
			return nil
		}
		cert = &rec
		keyPEM = append([]byte(nil), key...)
		ok = true
		return nil
	})
	return cert, keyPEM, ok
}

// templateByName returns the raw template blob, if present.
func (s *Store) templateByName(name string) ([]byte, bool) {
	var blob []byte
	s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(name))
		if data != nil {
			blob = append([]byte(nil), data...)
		}
		return nil
	})
	return blob, blob != nil
}

func (s *Store) revocationBySerial(serial string) (*revocationRecord, bool) {
	var rec revocationRecord
	var ok bool
	s.db.View(func(tx *bbolt.Tx) error {
		ok = getJSON(tx.Bucket(bucketRevocations), []byte(serial), &rec)
		return nil
	})
	if !ok {
		return nil, false
	}
	return &rec, true
}

func (s *Store) insertRevocation(rec revocationRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketRevocations), []byte(rec.Serial), rec)
	})
}

// SeedCA provisions an issuing CA: the certificate as a linked cert
// item, the private key PEM under keyName, and a cas entry binding the
// name to both.
func (s *Store) SeedCA(name, keyName string, certDER, keyPEM []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := insertItem(tx, itemRecord{
			Name:    name,
			Type:    itemTypeCert,
			Source:  itemSourceImported,
			Date:    time.Now().UTC().Format(dbDateLayout),
			Comment: "issuing ca",
		})
		if err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(bucketCerts), itob(id), certRecord{
			Item: id,
			CA:   1,
			Cert: util.B64Encode(certDER),
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketKeys).Put([]byte(keyName), keyPEM); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketCAs), []byte(name), caRecord{CertItem: id, KeyName: keyName})
	})
}

// SeedChainCert stores an additional chain certificate under a name so
// it can be referenced from the configured chain list.
func (s *Store) SeedChainCert(name string, certDER []byte) error {
	return s.insertCert(name, certRecord{Cert: util.B64Encode(certDER)}, "chain cert")
}

// SeedTemplate stores a raw issuance template blob under a name.
func (s *Store) SeedTemplate(name string, blob []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTemplates).Put([]byte(name), blob)
	})
}

// nameHash derives the 31-bit subject lookup key from a DER-encoded
// distinguished name.
func nameHash(rawName []byte) uint32 {
	sum := sha1.Sum(rawName)
	return binary.LittleEndian.Uint32(sum[:4]) & 0x7fffffff
}
