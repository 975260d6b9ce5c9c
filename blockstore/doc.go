// Package blockstore defines the wire types shared by lowdb, pidx, and
// highdb: the 160-bit content key, the 32-byte ContentIndex header
// prepended to every stored block, and the sentinel error kinds the
// rest of the store propagates.
//
// Nothing in this package touches a filesystem or a lock; it exists so
// the storage layers below agree on one on-disk format without importing
// each other.
package blockstore
