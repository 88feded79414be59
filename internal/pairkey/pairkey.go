// Package pairkey maps two image ids to the order-independent pair id the
// reconstruction database uses to key match and geometry rows.
package pairkey

import (
	"errors"
	"fmt"
)

// MaxImageID is the multiplier of the encoding (2^31 - 1). Keys are only
// collision free while both ids stay below it.
const MaxImageID int64 = 2147483647

var (
	// ErrIDOutOfRange is returned by EncodeChecked for ids outside [0, MaxImageID).
	ErrIDOutOfRange = errors.New("image id out of pair key range")
	// ErrSameID is returned by EncodeChecked when both ids are equal.
	ErrSameID = errors.New("pair key needs two distinct image ids")
)

// Encode returns MaxImageID*min(id1, id2) + max(id1, id2). It does not check
// its inputs: ids at or above MaxImageID silently produce colliding keys.
func Encode(id1, id2 int64) int64 {
	if id1 > id2 {
		id1, id2 = id2, id1
	}
	return MaxImageID*id1 + id2
}

// EncodeChecked is Encode with the collision-free precondition enforced.
func EncodeChecked(id1, id2 int64) (int64, error) {
	for _, id := range [2]int64{id1, id2} {
		if id < 0 || id >= MaxImageID {
			return 0, fmt.Errorf("%w: %d", ErrIDOutOfRange, id)
		}
	}
	if id1 == id2 {
		return 0, fmt.Errorf("%w: %d", ErrSameID, id1)
	}
	return Encode(id1, id2), nil
}

// Decode inverts Encode for keys built from ids below MaxImageID.
func Decode(key int64) (lo, hi int64) {
	hi = key % MaxImageID
	lo = (key - hi) / MaxImageID
	return lo, hi
}
