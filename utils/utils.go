package utils

import (
	"crypto/md5"
	"strings"

	"github.com/gofrs/uuid"
)

// DeriveUuid maps an ordered list of seeds onto a stable uuid. Unlike a
// random v4 id the result is reproducible from the inputs, which lets pool,
// treasury and custody identities be re-derived instead of stored. Seed
// order is significant: ("bank", x) and (x, "bank") are different ids.
func DeriveUuid(seeds ...string) uuid.UUID {
	if len(seeds) == 0 {
		return uuid.Nil
	}
	return uuidHash([]byte(strings.Join(seeds, "\x00")))
}

func uuidHash(b []byte) uuid.UUID {
	h := md5.New()
	h.Write(b)
	sum := h.Sum(nil)
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	return uuid.FromBytesOrNil(sum)
}
