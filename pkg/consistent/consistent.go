// Package consistent picks a stable download host out of a mirror's host list.
package consistent

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dgryski/go-jump"
	"github.com/mitchellh/hashstructure/v2"
)

var ErrNoHosts = errors.New("no hosts to choose from")

type hostKey struct {
	Key     any
	Attempt int
}

// HashBucket returns a bucket from [0,buckets). Buckets listed in previousBuckets are skipped, which lets a
// caller move to a different host after a failure. HashBucket sorts previousBuckets in place.
func HashBucket(key any, buckets int, previousBuckets ...int) (int, error) {
	if len(previousBuckets) >= buckets {
		return -1, fmt.Errorf("no more buckets left: %d buckets available but %d already attempted", buckets, len(previousBuckets))
	}
	// IgnoreZeroValue lets fields be added to the key later without moving existing keys.
	// A HashOptions must not be shared, so build a fresh one each call.
	hashopts := &hashstructure.HashOptions{IgnoreZeroValue: true}
	hash, err := hashstructure.Hash(hostKey{Key: key, Attempt: len(previousBuckets)}, hashstructure.FormatV2, hashopts)
	if err != nil {
		return -1, fmt.Errorf("error calculating hash of key: %w", err)
	}

	// Google's Jump Consistent Hash, see http://arxiv.org/abs/1406.2294
	bucket := int(jump.Hash(hash, buckets-len(previousBuckets)))
	slices.Sort(previousBuckets)
	for _, prev := range previousBuckets {
		if bucket >= prev {
			bucket++
		}
	}
	return bucket, nil
}

// PickHost returns the host that key maps to. A single host is returned without hashing.
func PickHost(key string, hosts []string) (string, error) {
	switch len(hosts) {
	case 0:
		return "", ErrNoHosts
	case 1:
		return hosts[0], nil
	}
	bucket, err := HashBucket(key, len(hosts))
	if err != nil {
		return "", err
	}
	return hosts[bucket], nil
}
