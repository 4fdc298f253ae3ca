package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/DMA-Software/dma-goamf/pkg/amf"
)

// NewFlexUID returns a Flex message id of the form
// XXXXXXXX-XXXX-XXXX-XXXX-YYYYYYYYXXXX. The first group carries id so a
// reply can be matched through its correlation id, Y is the low part of the
// current time in milliseconds and the rest is random.
func NewFlexUID(id uint32) (string, error) {
	return newFlexUID(id, time.Now(), rand.Reader)
}

func newFlexUID(id uint32, now time.Time, random io.Reader) (string, error) {
	var r [8]byte
	if _, err := io.ReadFull(random, r[:]); err != nil {
		return "", fmt.Errorf("failed to generate random data: %w", err)
	}
	digits := strings.ToUpper(hex.EncodeToString(r[:]))

	return fmt.Sprintf("%08X-%s-%s-%s-%08X%s",
		id, digits[0:4], digits[4:8], digits[8:12],
		uint32(now.UnixMilli()), digits[12:16]), nil
}

// TIDFromFlexUID recovers the id a Flex UID was generated with.
func TIDFromFlexUID(uid string) (uint32, error) {
	if len(uid) != 36 || uid[8] != '-' {
		return 0, fmt.Errorf("%w: flex uid %q", amf.ErrMalformed, uid)
	}
	id, err := strconv.ParseUint(uid[:8], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: flex uid %q: %v", amf.ErrMalformed, uid, err)
	}
	return uint32(id), nil
}
