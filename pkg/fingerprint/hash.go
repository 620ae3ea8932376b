package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Hash canonicalizes v and returns the hex-encoded SHA-256 digest of the
// canonical bytes. Used directly wherever §4.6 calls for
// sha256(canonical(x)).
func Hash(v any) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}

// HashBytes hex-encodes the SHA-256 digest of already-canonical bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StripVolatile returns a copy of obj (expected to be a JSON object) with
// the named top-level keys removed before canonicalization — timestamps,
// wall-clock fields, solver build ids, and other fields a stage marks
// volatile per §4.6. obj is round-tripped through JSON first so the
// result composes with Canonicalize regardless of obj's static type.
func StripVolatile(obj any, volatileFields []string) (any, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		// Not an object (array/scalar) — nothing to strip.
		var generic any
		if err2 := json.Unmarshal(raw, &generic); err2 != nil {
			return nil, err
		}
		return generic, nil
	}

	for _, field := range volatileFields {
		delete(m, field)
	}
	return m, nil
}

// ModelFingerprint computes model_fingerprint = sha256(canonical(OPS ∖
// volatile)) per §4.6.
func ModelFingerprint(ops any, volatileFields []string) (string, error) {
	stripped, err := StripVolatile(ops, volatileFields)
	if err != nil {
		return "", err
	}
	return Hash(stripped)
}

// PlanDNAInput is the composite structure plan_dna is computed over.
type PlanDNAInput struct {
	OPSFingerprint       string `json:"ops_fingerprint"`
	ScenariosFingerprint string `json:"scenarios_fingerprint"`
	PolicySnapshot       any    `json:"policy_snapshot"`
	SolutionDecisions    any    `json:"solution_decisions"`
}

// PlanDNA computes plan_dna = sha256(canonical({ops_fingerprint,
// scenarios_fingerprint, policy_snapshot, solution_decisions})) per §4.6.
func PlanDNA(input PlanDNAInput) (string, error) {
	return Hash(input)
}
