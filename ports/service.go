// Package ports owns the broker's port machinery: the shared-memory port
// descriptors read by clients, the service-identifier matching relation,
// and the manager that installs and removes delivery queues as
// publishers offer and subscribers come and go.
package ports

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/SyPeter/shmbus/constants"
)

// ServiceId is the matching key: a (service, instance, event) triple.
// Matching is exact componentwise equality.
type ServiceId struct {
	Service  string
	Instance string
	Event    string
}

// Validate enforces the bounded-identifier rule on every component.
func (s ServiceId) Validate() error {
	for _, c := range [3]string{s.Service, s.Instance, s.Event} {
		if len(c) == 0 || len(c) > constants.MaxIdentifierLen {
			return fmt.Errorf("ports: identifier %q must be 1..%d bytes", c, constants.MaxIdentifierLen)
		}
	}
	return nil
}

func (s ServiceId) String() string {
	return s.Service + "/" + s.Instance + "/" + s.Event
}

// Key collapses the triple into the 64-bit index key stamped into port
// descriptors (chunk headers carry the port id, not this key).
// Components are length-prefixed before
// hashing so ("ab","c") and ("a","bc") cannot collide structurally.
func (s ServiceId) Key() uint64 {
	h, err := blake2b.New(8, nil)
	if err != nil {
		panic(err) // keyless blake2b cannot fail
	}
	var lenbuf [4]byte
	for _, c := range [3]string{s.Service, s.Instance, s.Event} {
		binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(c)))
		h.Write(lenbuf[:])
		h.Write([]byte(c))
	}
	return binary.LittleEndian.Uint64(h.Sum(nil))
}
