package core

// cid_helpers.go provides small CID-construction helpers shared by storage
// addressing and DHT rendezvous keys (spec §4.2/§4.6), grounded on the
// teacher's core/storage.go CIDv1(Raw, SHA2_256) convention.

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// cidFromBytes deterministically derives a CIDv1 from arbitrary bytes,
// used as a DHT lookup/provide key.
func cidFromBytes(b []byte) cid.Cid {
	sum, err := mh.Sum(b, mh.SHA2_256, -1)
	if err != nil {
		// mh.Sum only fails on unsupported length/code, never for SHA2_256.
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, sum)
}
