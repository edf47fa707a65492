package jwkscache

import (
	"context"
	"io"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Keyset is the shared-immutable JWKS document referenced from a CachePayload.
// Once published it is never mutated; a refresh replaces the reference rather
// than editing it in place. It wraps jwk.Set, the ecosystem type for a parsed
// JSON Web Key Set.
type Keyset struct {
	set jwk.Set
	raw []byte
}

// Set returns the parsed key set for callers that need to inspect individual
// keys. The cache itself never selects by kid; this is for downstream
// verification libraries consuming the resolved keyset.
func (k *Keyset) Set() jwk.Set { return k.set }

// Raw returns the exact bytes last parsed from the origin (or restored from a
// persistence snapshot), for callers that want to re-serve the document
// byte-for-byte.
func (k *Keyset) Raw() []byte { return k.raw }

// Len reports the number of keys in the set.
func (k *Keyset) Len() int { return k.set.Len() }

// parseKeyset validates body as a JWKS JSON document and returns the
// corresponding Keyset. Failure here is a KindJWKS error: a parse or schema
// problem is never retried.
func parseKeyset(ctx context.Context, body []byte) (*Keyset, error) {
	set, err := jwk.Parse(body, jwk.WithRequireKid(false))
	if err != nil {
		return nil, errJWKS(err)
	}
	return &Keyset{set: set, raw: body}, nil
}

// readLimited reads r up to limit+1 bytes, returning a Validation error if the
// body exceeds limit.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	lr := io.LimitReader(r, limit+1)
	body, err := io.ReadAll(lr)
	if err != nil {
		return nil, errIO(err)
	}
	if int64(len(body)) > limit {
		return nil, errValidation("response_body", "exceeds max_response_bytes")
	}
	return body, nil
}
