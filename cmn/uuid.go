package cmn

import (
	"math/rand"

	"github.com/teris-io/shortid"
)

const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var sid *shortid.Shortid

// InitShortID seeds the package-level ID generator; call once at daemon
// startup, typically with a seed derived from the process start time.
func InitShortID(seed uint64) {
	sid = shortid.MustNew(4, uuidABC, seed)
}

// GenUUID generates a short, human-readable ID for tracing a bucket
// creation across log lines.
func GenUUID() string {
	if sid == nil {
		InitShortID(uint64(rand.Int63()))
	}
	return sid.MustGenerate()
}
